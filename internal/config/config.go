// Package config reads the bot's entire environment-variable surface into
// one validated struct, generalizing the teacher's envOr/envOrInt/envOrBool
// helpers and godotenv.Load() convention from its
// narrow App-credential surface to the full configuration of spec.md §6.4.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CoreDeveloper is one entry of the coreDevelopers roster: a forge login
// paired with its numeric account id.
type CoreDeveloper struct {
	Login string
	ID    int64
}

type Config struct {
	Owner, Repo string

	GithubLogin string
	GithubToken string

	WebhookPath   string
	WebhookSecret []byte
	Host          string
	Port          string

	StagingBranch string

	DryRun     bool
	StagedRun  bool
	GuardedRun bool

	NecessaryApprovals  int
	SufficientApprovals int
	VotingDelayMin      time.Duration
	VotingDelayMax      time.Duration

	StagingChecks  int
	CoreDevelopers []CoreDeveloper
	ApprovalURL    string

	LogLevel       string
	RequestTimeout time.Duration

	SQSQueueURL string
	AWSRegion   string
}

// CoreDeveloperLogins returns the roster as a login-keyed set, the shape
// internal/approval consumes.
func (c *Config) CoreDeveloperLogins() map[string]bool {
	out := make(map[string]bool, len(c.CoreDevelopers))
	for _, d := range c.CoreDevelopers {
		out[d.Login] = true
	}
	return out
}

// Load reads and validates the configuration surface from the
// environment, loading a local .env file first if present (teacher
// convention, harmless in production where no .env exists).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Owner:       os.Getenv("ANUBIS_OWNER"),
		Repo:        os.Getenv("ANUBIS_REPO"),
		GithubLogin: os.Getenv("ANUBIS_GITHUB_LOGIN"),
		GithubToken: os.Getenv("ANUBIS_GITHUB_TOKEN"),

		WebhookPath:   envOr("ANUBIS_WEBHOOK_PATH", "/webhook"),
		WebhookSecret: []byte(os.Getenv("ANUBIS_WEBHOOK_SECRET")),
		Host:          envOr("ANUBIS_HOST", "0.0.0.0"),
		Port:          envOr("ANUBIS_PORT", "8080"),

		StagingBranch: envOr("ANUBIS_STAGING_BRANCH", "staging"),

		DryRun:     envOrBool("ANUBIS_DRY_RUN", false),
		StagedRun:  envOrBool("ANUBIS_STAGED_RUN", false),
		GuardedRun: envOrBool("ANUBIS_GUARDED_RUN", false),

		NecessaryApprovals:  envOrInt("ANUBIS_NECESSARY_APPROVALS", 1),
		SufficientApprovals: envOrInt("ANUBIS_SUFFICIENT_APPROVALS", 2),

		StagingChecks: envOrInt("ANUBIS_STAGING_CHECKS", 0),
		ApprovalURL:   os.Getenv("ANUBIS_APPROVAL_URL"),

		LogLevel: envOr("LOG_LEVEL", "info"),

		SQSQueueURL: os.Getenv("ANUBIS_SQS_QUEUE_URL"),
		AWSRegion:   envOr("AWS_REGION", "eu-north-1"),
	}

	var err error
	cfg.VotingDelayMin, err = envOrDuration("ANUBIS_VOTING_DELAY_MIN", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.VotingDelayMax, err = envOrDuration("ANUBIS_VOTING_DELAY_MAX", 14*24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout, err = envOrDuration("ANUBIS_REQUEST_TIMEOUT", 3*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.CoreDevelopers, err = parseCoreDevelopers(os.Getenv("ANUBIS_CORE_DEVELOPERS"))
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("ANUBIS_OWNER and ANUBIS_REPO are required")
	}
	if c.GithubToken == "" {
		return fmt.Errorf("ANUBIS_GITHUB_TOKEN is required")
	}
	if len(c.WebhookSecret) == 0 {
		return fmt.Errorf("ANUBIS_WEBHOOK_SECRET is required")
	}
	if c.NecessaryApprovals > c.SufficientApprovals {
		return fmt.Errorf("ANUBIS_NECESSARY_APPROVALS (%d) must not exceed ANUBIS_SUFFICIENT_APPROVALS (%d)",
			c.NecessaryApprovals, c.SufficientApprovals)
	}
	if c.SufficientApprovals > len(c.CoreDevelopers) {
		return fmt.Errorf("ANUBIS_SUFFICIENT_APPROVALS (%d) must not exceed the size of ANUBIS_CORE_DEVELOPERS (%d)",
			c.SufficientApprovals, len(c.CoreDevelopers))
	}
	return nil
}

// parseCoreDevelopers parses the "login=id,login=id,..." roster format.
func parseCoreDevelopers(raw string) ([]CoreDeveloper, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []CoreDeveloper
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		login, idStr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("ANUBIS_CORE_DEVELOPERS: malformed entry %q, want login=id", entry)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ANUBIS_CORE_DEVELOPERS: bad id in entry %q: %w", entry, err)
		}
		out = append(out, CoreDeveloper{Login: login, ID: id})
	}
	return out, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envOrInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return def
}

func envOrDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", k, v, err)
	}
	return d, nil
}
