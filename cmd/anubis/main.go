package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ealebed/anubis/internal/approval"
	"github.com/ealebed/anubis/internal/config"
	"github.com/ealebed/anubis/internal/forgeclient"
	"github.com/ealebed/anubis/internal/ingest/sqs"
	"github.com/ealebed/anubis/internal/mergectx"
	"github.com/ealebed/anubis/internal/scan"
	"github.com/ealebed/anubis/internal/scheduler"
	"github.com/ealebed/anubis/internal/webhook"
)

func main() {
	// Structured JSON logs; control with LOG_LEVEL=debug|info|warn|error
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := forgeclient.New(ctx, cfg.Owner, cfg.Repo, cfg.GithubToken, cfg.DryRun, cfg.RequestTimeout)

	bot := &mergectx.BotIdentity{Login: cfg.GithubLogin}

	mergeCfg := mergectx.Config{
		StagingBranch: cfg.StagingBranch,
		Mode:          mergeMode(cfg),
		StagingChecks: cfg.StagingChecks,
		ApprovalURL:   cfg.ApprovalURL,
		Approval: approval.Config{
			NecessaryApprovals:  cfg.NecessaryApprovals,
			SufficientApprovals: cfg.SufficientApprovals,
			VotingDelayMin:      cfg.VotingDelayMin,
			VotingDelayMax:      cfg.VotingDelayMax,
		},
		CoreDevelopers: cfg.CoreDeveloperLogins(),
	}
	scanCfg := scan.Config{
		StagingBranch: cfg.StagingBranch,
		GuardedRun:    cfg.GuardedRun,
		Merge:         mergeCfg,
	}

	srv := &webhook.Server{
		Owner:         cfg.Owner,
		Repo:          cfg.Repo,
		StagingBranch: cfg.StagingBranch,
		WebhookSecret: cfg.WebhookSecret,
	}

	sched := scheduler.New(fc, scanCfg, bot, srv)
	srv.Scheduler = sched

	var sqsWorker *sqs.Worker
	if cfg.SQSQueueURL != "" {
		awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatalf("load AWS config: %v", err)
		}
		sqsClient := awssqs.NewFromConfig(awsCfg)

		srv.Enqueue = func(ctx context.Context, eventType, deliveryID string, body []byte) error {
			return sqs.Enqueue(ctx, sqsClient, cfg.SQSQueueURL, eventType, deliveryID, body)
		}

		sqsWorker = &sqs.Worker{
			Client:        sqsClient,
			QueueURL:      cfg.SQSQueueURL,
			Owner:         cfg.Owner,
			Repo:          cfg.Repo,
			StagingBranch: cfg.StagingBranch,
			Scheduler:     sched,
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle(cfg.WebhookPath, srv)

	httpSrv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if sqsWorker != nil {
		go func() {
			if err := sqsWorker.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sqs.worker.exit", "err", err)
			}
		}()
	}

	// An initial full scan primes lastScan before the first webhook arrives.
	go sched.Run(ctx, nil)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server.start", "addr", httpSrv.Addr, "path", cfg.WebhookPath)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server.error", "err", err)
			stop <- syscall.SIGTERM
		}
	}()

	<-stop
	slog.Info("shutdown.begin")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server.shutdown.error", "err", err)
	}
	slog.Info("shutdown.complete")
}

// mergeMode collapses the bot's three independent restriction flags into
// the single layered Mode mergectx expects, checked in the order guardedRun,
// stagedRun, dryRun: guardedRun subsumes stagedRun's ref-mutation ban but
// overrides it per PR via the cleared-for-merge label, so it takes priority
// when both are set. dryRun is enforced separately by the ForgeClient, which
// is built from cfg.DryRun whatever Mode this returns.
func mergeMode(cfg *config.Config) mergectx.Mode {
	switch {
	case cfg.GuardedRun:
		return mergectx.ModeGuardedRun
	case cfg.StagedRun:
		return mergectx.ModeStagedRun
	case cfg.DryRun:
		return mergectx.ModeDryRun
	default:
		return mergectx.ModeNormal
	}
}
