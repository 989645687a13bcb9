// Package mergectx holds the per-PR merge state machine: given one PR's
// current forge-observed state (labels, staging tag, reviews, statuses),
// it performs the single next applicable transition and returns the
// outcome. All persisted state lives on the forge (§6.3); this package
// holds nothing between calls except the lazily resolved bot identity.
package mergectx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ealebed/anubis/internal/approval"
	"github.com/ealebed/anubis/internal/forgeclient"
	"github.com/ealebed/anubis/internal/labels"
)

// Mode is the three-valued, layered mutation-restriction setting of
// spec.md §4.3. ModeDryRun is enforced upstream by constructing the
// ForgeClient itself in dry-run mode; this package only has to special-case
// StagedRun/GuardedRun, which restrict the Advancing step specifically.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDryRun
	ModeStagedRun
	ModeGuardedRun
)

// Outcome is what one Process call did to the PR.
type Outcome int

const (
	NoOp Outcome = iota
	Staged
	Merged
	Aborted
	FailedChecks
	Delayed
)

func (o Outcome) String() string {
	switch o {
	case Staged:
		return "staged"
	case Merged:
		return "merged"
	case Aborted:
		return "aborted"
	case FailedChecks:
		return "failed_checks"
	case Delayed:
		return "delayed"
	default:
		return "no_op"
	}
}

// Result reports the outcome of one Process call, and — for Delayed — how
// long the scheduler should wait before the PR is worth revisiting.
type Result struct {
	Outcome Outcome
	DelayMs int64
}

// Config carries the bot-wide policy this package needs.
type Config struct {
	StagingBranch  string
	Mode           Mode
	StagingChecks  int // 0 = use the forge's declared required-context count
	ApprovalURL    string
	Approval       approval.Config
	CoreDevelopers map[string]bool
}

const approvalContext = "PR approval"

// Process performs the single transition applicable to pr's current
// forge-observed state and returns what happened. Errors are forge
// failures that should bubble up and force scan-level backoff; everything
// recoverable (blocked approval, pending checks, stale tag, fast-forward
// conflict) is reported through Result instead.
func Process(ctx context.Context, fc forgeclient.ForgeClient, cfg Config, bot *BotIdentity, pr forgeclient.PullRequest, now time.Time) (Result, error) {
	if pr.HasLabel(labels.Merged) {
		return Result{Outcome: NoOp}, nil
	}

	tagRef := stagingTagName(pr.Number)
	tagSHA, err := fc.GetRef(ctx, tagRef)
	switch {
	case err == nil:
		return waiting(ctx, fc, cfg, pr, now, tagRef, tagSHA)
	case forgeclient.IsNotFound(err):
		return brewing(ctx, fc, cfg, bot, pr, now)
	default:
		return Result{}, err
	}
}

func verdictFor(fc forgeclient.ForgeClient, ctx context.Context, cfg Config, pr forgeclient.PullRequest, now time.Time) (approval.Verdict, error) {
	reviews, err := fc.GetReviews(ctx, pr.Number)
	if err != nil {
		return approval.Verdict{}, err
	}
	return approval.Decide(approval.Input{
		CoreDevelopers:     cfg.CoreDevelopers,
		RequestedReviewers: pr.RequestedReviewers,
		Reviews:            reviews,
		Author:             pr.Author,
		CreatedAt:          pr.CreatedAt,
		Now:                now,
	}, cfg.Approval), nil
}

func brewing(ctx context.Context, fc forgeclient.ForgeClient, cfg Config, bot *BotIdentity, pr forgeclient.PullRequest, now time.Time) (Result, error) {
	verdict, err := verdictFor(fc, ctx, cfg, pr, now)
	if err != nil {
		return Result{}, err
	}
	switch verdict.Status {
	case approval.Blocked:
		return Result{Outcome: NoOp}, nil
	case approval.Pending:
		return Result{Outcome: Delayed, DelayMs: verdict.Delay.Milliseconds()}, nil
	}

	if pr.Mergeable == nil {
		refreshed, err := fc.GetPR(ctx, pr.Number, true)
		if err != nil {
			if forgeclient.IsTimeout(err) {
				return Result{Outcome: NoOp}, nil
			}
			return Result{}, err
		}
		pr = refreshed
	}

	if pr.State != "open" {
		return Result{Outcome: NoOp}, nil
	}
	if strings.HasPrefix(pr.Title, "WIP:") {
		return Result{Outcome: NoOp}, nil
	}
	if pr.Mergeable == nil || !*pr.Mergeable {
		return Result{Outcome: NoOp}, nil
	}
	headStatus, err := fc.GetCombinedStatus(ctx, pr.HeadSHA)
	if err != nil {
		return Result{}, err
	}
	if headStatus.State != "success" {
		return Result{Outcome: NoOp}, nil
	}

	message := mergeMessage(pr.Title, pr.Number, pr.Body)
	if !validateMessage(message) {
		if err := applyTransition(ctx, fc, pr, labels.ToFailedDescription()); err != nil {
			return Result{}, err
		}
		return Result{Outcome: NoOp}, nil
	}

	return stage(ctx, fc, cfg, bot, pr, message, verdict)
}

func stage(ctx context.Context, fc forgeclient.ForgeClient, cfg Config, bot *BotIdentity, pr forgeclient.PullRequest, message string, verdict approval.Verdict) (Result, error) {
	baseSHA, err := fc.GetRef(ctx, "heads/"+pr.Base)
	if err != nil {
		return Result{}, err
	}
	mergeRef := fmt.Sprintf("pull/%d/merge", pr.Number)
	mergeSHA, err := fc.GetRef(ctx, mergeRef)
	if err != nil {
		return Result{}, err
	}
	mergeCommit, err := fc.GetCommit(ctx, mergeSHA)
	if err != nil {
		return Result{}, err
	}
	botIdent, err := bot.Resolve(ctx, fc)
	if err != nil {
		return Result{}, err
	}

	commitSHA, err := fc.CreateCommit(ctx, mergeCommit.TreeSHA, message, []string{baseSHA}, mergeCommit.Author, botIdent)
	if err != nil {
		return Result{}, err
	}
	if err := fc.CreateRef(ctx, stagingTagName(pr.Number), commitSHA); err != nil {
		return Result{}, err
	}
	if err := fc.UpdateRef(ctx, "heads/"+cfg.StagingBranch, commitSHA, true); err != nil {
		return Result{}, err
	}
	if cfg.ApprovalURL != "" {
		if err := ensureApprovalStatus(ctx, fc, pr.HeadSHA, cfg.ApprovalURL, verdict.Reason); err != nil {
			return Result{}, err
		}
		if err := ensureApprovalStatus(ctx, fc, commitSHA, cfg.ApprovalURL, verdict.Reason); err != nil {
			return Result{}, err
		}
	}
	if err := applyTransition(ctx, fc, pr, labels.ToWaitingStagingChecks()); err != nil {
		return Result{}, err
	}
	return Result{Outcome: Staged}, nil
}

func waiting(ctx context.Context, fc forgeclient.ForgeClient, cfg Config, pr forgeclient.PullRequest, now time.Time, tagRef, tagSHA string) (Result, error) {
	stagingCommit, err := fc.GetCommit(ctx, tagSHA)
	if err != nil {
		return Result{}, err
	}

	fresh := false
	mergeSHA, err := fc.GetRef(ctx, fmt.Sprintf("pull/%d/merge", pr.Number))
	switch {
	case err == nil:
		mergeCommit, err := fc.GetCommit(ctx, mergeSHA)
		if err != nil {
			return Result{}, err
		}
		fresh = stagingCommit.TreeSHA == mergeCommit.TreeSHA
	case forgeclient.IsNotFound(err):
		fresh = false
	default:
		return Result{}, err
	}

	stagingStatus, err := fc.GetCombinedStatus(ctx, tagSHA)
	if err != nil {
		return Result{}, err
	}

	if !fresh || stagingStatus.State == "failure" {
		if err := fc.DeleteRef(ctx, tagRef); err != nil && !forgeclient.IsNotFound(err) {
			return Result{}, err
		}
		if err := applyTransition(ctx, fc, pr, labels.ToAbandonedStagingChecks()); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Aborted}, nil
	}

	verdict, err := verdictFor(fc, ctx, cfg, pr, now)
	if err != nil {
		return Result{}, err
	}
	headStatus, err := fc.GetCombinedStatus(ctx, pr.HeadSHA)
	if err != nil {
		return Result{}, err
	}
	postOK := pr.State == "open" &&
		!strings.HasPrefix(pr.Title, "WIP:") &&
		pr.Mergeable != nil && *pr.Mergeable &&
		headStatus.State == "success" &&
		verdict.Status != approval.Blocked

	if !postOK {
		if err := fc.DeleteRef(ctx, tagRef); err != nil && !forgeclient.IsNotFound(err) {
			return Result{}, err
		}
		transition := labels.ToFailedOther()
		if pr.State != "open" {
			transition = labels.CleanStaged()
		}
		if err := applyTransition(ctx, fc, pr, transition); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Aborted}, nil
	}

	required, err := fc.GetRequiredStatusContexts(ctx, cfg.StagingBranch)
	if err != nil {
		return Result{}, err
	}
	state, matched := evaluateRequiredChecks(required, cfg.StagingChecks, stagingStatus)

	switch state {
	case checksPending:
		if err := applyTransition(ctx, fc, pr, labels.ToWaitingStagingChecks()); err != nil {
			return Result{}, err
		}
		return Result{Outcome: NoOp}, nil

	case checksFailure:
		if err := fc.DeleteRef(ctx, tagRef); err != nil && !forgeclient.IsNotFound(err) {
			return Result{}, err
		}
		if err := applyTransition(ctx, fc, pr, labels.ToFailedStagingChecks()); err != nil {
			return Result{}, err
		}
		return Result{Outcome: FailedChecks}, nil
	}

	for _, synth := range missingExactContexts(required, matched) {
		if err := fc.CreateStatus(ctx, tagSHA, synth.State, synth.TargetURL, synth.Description, synth.Context); err != nil {
			return Result{}, err
		}
	}
	if err := applyTransition(ctx, fc, pr, labels.ToPassedStagingChecks()); err != nil {
		return Result{}, err
	}
	if cfg.ApprovalURL != "" && !statusMatches(stagingStatus.Statuses, verdict.Reason, cfg.ApprovalURL) {
		if err := fc.CreateStatus(ctx, tagSHA, "success", cfg.ApprovalURL, verdict.Reason, approvalContext); err != nil {
			return Result{}, err
		}
	}

	if advanceRestricted(cfg, pr) {
		return Result{Outcome: NoOp}, nil
	}

	return advance(ctx, fc, pr, tagRef, tagSHA)
}

// advanceRestricted reports whether the current mode forbids advancing the
// target branch for this PR right now.
func advanceRestricted(cfg Config, pr forgeclient.PullRequest) bool {
	switch cfg.Mode {
	case ModeStagedRun:
		return true
	case ModeGuardedRun:
		return !pr.HasLabel(labels.ClearedForMerge)
	default:
		return false
	}
}

func advance(ctx context.Context, fc forgeclient.ForgeClient, pr forgeclient.PullRequest, tagRef, tagSHA string) (Result, error) {
	err := fc.UpdateRef(ctx, "heads/"+pr.Base, tagSHA, false)
	if err != nil {
		if forgeclient.IsUnprocessable(err) {
			cmp, cerr := fc.CompareCommits(ctx, pr.Base, tagSHA)
			if cerr == nil && cmp.Diverged() {
				if derr := fc.DeleteRef(ctx, tagRef); derr != nil && !forgeclient.IsNotFound(derr) {
					return Result{}, derr
				}
				if lerr := applyTransition(ctx, fc, pr, labels.ToFailedOther()); lerr != nil {
					return Result{}, lerr
				}
				return Result{Outcome: Aborted}, nil
			}
		}
		return Result{}, err
	}

	if err := fc.ClosePR(ctx, pr.Number); err != nil {
		return Result{}, err
	}
	if err := applyTransition(ctx, fc, pr, labels.Merge()); err != nil {
		return Result{}, err
	}
	if err := fc.DeleteRef(ctx, tagRef); err != nil && !forgeclient.IsNotFound(err) {
		return Result{}, err
	}
	return Result{Outcome: Merged}, nil
}

// statusMatches reports whether statuses already carries a successful
// "PR approval" entry with this exact description and target URL.
func statusMatches(statuses []forgeclient.CheckStatus, description, targetURL string) bool {
	for _, s := range statuses {
		if s.Context == approvalContext && s.State == "success" &&
			s.Description == description && s.TargetURL == targetURL {
			return true
		}
	}
	return false
}

// ensureApprovalStatus writes the "PR approval" status on sha only if it
// doesn't already match, so a retried stage of the same head commit doesn't
// re-issue an identical status write (waiting makes the same check inline
// with statusMatches on the staging status it already fetched).
func ensureApprovalStatus(ctx context.Context, fc forgeclient.ForgeClient, sha, targetURL, description string) error {
	current, err := fc.GetCombinedStatus(ctx, sha)
	if err != nil {
		return err
	}
	if statusMatches(current.Statuses, description, targetURL) {
		return nil
	}
	return fc.CreateStatus(ctx, sha, "success", targetURL, description, approvalContext)
}

// applyTransition computes the minimal add/remove label set against pr's
// last-known labels and issues it, so repeated calls for an already-correct
// label set are no-ops.
func applyTransition(ctx context.Context, fc forgeclient.ForgeClient, pr forgeclient.PullRequest, t labels.Transition) error {
	add, remove := t.Apply(pr.Labels)
	if len(add) > 0 {
		if err := fc.AddLabels(ctx, pr.Number, add); err != nil {
			return err
		}
	}
	for _, l := range remove {
		if err := fc.RemoveLabel(ctx, pr.Number, l); err != nil {
			return err
		}
	}
	return nil
}
