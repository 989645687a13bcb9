// Package scan is the ScanEngine: one deterministic pass over every open
// PR, dispatching each to the merge state machine in a fixed order and
// skipping PRs the change-detection optimization proves are unchanged.
package scan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ealebed/anubis/internal/forgeclient"
	"github.com/ealebed/anubis/internal/labels"
	"github.com/ealebed/anubis/internal/mergectx"
	"github.com/ealebed/anubis/internal/prid"
)

// unchangedWindow is how long after updatedAt a PR must sit before the
// optimization trusts it hasn't changed, tolerating same-timestamp
// sub-second writes.
const unchangedWindow = time.Hour

// AwakeEntry is one PR's snapshot as of the scan that produced it, used by
// the next scan's isStillUnchanged test.
type AwakeEntry struct {
	UpdatedAt time.Time
}

// Result is what one scan produced: the set of PRs still "awake" (worth
// re-examining without a new event), and the minimum requested re-run
// delay across every delayed PR, if any.
type Result struct {
	AwakePRs        map[int]AwakeEntry
	MinDelayMs      int64
	HasDelay        bool
	DelayedPRNumber int
	Initial         bool
}

// isStillUnchanged implements §8's round-trip boundary behavior exactly.
func isStillUnchanged(pr forgeclient.PullRequest, prev Result, now time.Time) bool {
	if pr.HasLabel(labels.ClearedForMerge) {
		return false
	}
	entry, ok := prev.AwakePRs[pr.Number]
	if !ok {
		return false
	}
	if !entry.UpdatedAt.Equal(pr.UpdatedAt) {
		return false
	}
	return now.Sub(pr.UpdatedAt) > unchangedWindow
}

// Config is the subset of bot configuration the scan loop itself needs,
// beyond what it passes straight through to mergectx.Process.
type Config struct {
	StagingBranch string
	GuardedRun    bool
	Merge         mergectx.Config
}

// Execute runs one scan. lastScan is nil on the very first scan (disables
// the change-detection optimization unconditionally). prIDs is the set of
// identities coalesced from webhook events since the previous scan; nil
// also disables the optimization (a full scan is forced).
func Execute(ctx context.Context, fc forgeclient.ForgeClient, cfg Config, bot *mergectx.BotIdentity, lastScan *Result, prIDs []prid.Identity, now time.Time) (*Result, error) {
	current, err := findCurrentPR(ctx, fc, cfg.StagingBranch)
	if err != nil {
		return nil, err
	}

	prs, err := fc.ListOpenPRs(ctx)
	if err != nil {
		return nil, err
	}

	order := buildOrder(prs, current, cfg.GuardedRun)

	optimized := lastScan != nil && prIDs != nil
	updated := map[int]bool{}
	if optimized {
		resolved, ok := resolveIdentities(ctx, fc, prs, current, cfg.StagingBranch, prIDs)
		if !ok {
			optimized = false
		} else {
			for _, n := range resolved {
				updated[n] = true
			}
		}
	}

	result := &Result{AwakePRs: make(map[int]AwakeEntry), Initial: lastScan == nil}
	staged := false
	var failures []error

	for _, pr := range order {
		if pr.HasLabel(labels.IgnoredByMergeBots) {
			continue
		}
		if optimized && !result.Initial && !updated[pr.Number] && lastScan != nil && isStillUnchanged(pr, *lastScan, now) {
			result.AwakePRs[pr.Number] = AwakeEntry{UpdatedAt: pr.UpdatedAt}
			continue
		}

		res, err := mergectx.Process(ctx, fc, cfg.Merge, bot, pr, now)
		if err != nil {
			failures = append(failures, fmt.Errorf("pr #%d: %w", pr.Number, err))
			continue
		}

		switch res.Outcome {
		case mergectx.Staged:
			if staged {
				return nil, fmt.Errorf("invariant violated: more than one PR staged in a single scan (pr #%d)", pr.Number)
			}
			staged = true
		case mergectx.Delayed:
			if !result.HasDelay || res.DelayMs < result.MinDelayMs {
				result.HasDelay = true
				result.MinDelayMs = res.DelayMs
				result.DelayedPRNumber = pr.Number
			}
			continue // a delayed PR is forgotten from the awake set
		}
		result.AwakePRs[pr.Number] = AwakeEntry{UpdatedAt: pr.UpdatedAt}
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("scan failed with %d PR error(s): %w", len(failures), failures[0])
	}
	return result, nil
}

// findCurrentPR reads the staging branch head and parses its commit
// message for a PR number, returning 0 when there's no staged PR or it's
// no longer open.
func findCurrentPR(ctx context.Context, fc forgeclient.ForgeClient, stagingBranch string) (int, error) {
	sha, err := fc.GetRef(ctx, "heads/"+stagingBranch)
	if err != nil {
		if forgeclient.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	commit, err := fc.GetCommit(ctx, sha)
	if err != nil {
		return 0, err
	}
	n, ok := mergectx.ParsePRNumber(commit.Message)
	if !ok {
		return 0, nil
	}
	pr, err := fc.GetPR(ctx, n, false)
	if err != nil {
		if forgeclient.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if pr.State != "open" {
		return 0, nil
	}
	return n, nil
}

// buildOrder sorts open PRs by (descending) clearedForMerge (only under
// guardedRun), then isCurrent, then ascending PR number — spec.md §4.4
// step 4.
func buildOrder(prs []forgeclient.PullRequest, current int, guardedRun bool) []forgeclient.PullRequest {
	out := make([]forgeclient.PullRequest, len(prs))
	copy(out, prs)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if guardedRun {
			ac, bc := a.HasLabel(labels.ClearedForMerge), b.HasLabel(labels.ClearedForMerge)
			if ac != bc {
				return ac
			}
		}
		aCur, bCur := a.Number == current, b.Number == current
		if aCur != bCur {
			return aCur
		}
		return a.Number < b.Number
	})
	return out
}

// resolveIdentities translates the incoming PrIdentity set into concrete PR
// numbers. ok is false if any identity fails to resolve, per spec.md §4.4
// step 5, meaning the caller must disable the optimization for this scan.
func resolveIdentities(ctx context.Context, fc forgeclient.ForgeClient, prs []forgeclient.PullRequest, current int, stagingBranch string, ids []prid.Identity) ([]int, bool) {
	byBranch := make(map[string]int, len(prs))
	for _, pr := range prs {
		byBranch[pr.HeadBranch] = pr.Number
	}

	stagedHeadSHA := ""
	if current != 0 {
		if sha, err := fc.GetRef(ctx, "heads/"+stagingBranch); err == nil {
			stagedHeadSHA = sha
		}
	}

	var out []int
	for _, id := range ids {
		switch id.Kind {
		case prid.Num:
			out = append(out, id.Num)

		case prid.Sha:
			if current != 0 && id.Sha == stagedHeadSHA {
				out = append(out, current)
				continue
			}
			commit, err := fc.GetCommit(ctx, id.Sha)
			if err != nil {
				return nil, false
			}
			n, ok := mergectx.ParsePRNumber(commit.Message)
			if !ok {
				return nil, false
			}
			out = append(out, n)

		case prid.Branch:
			n, ok := byBranch[id.Branch]
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
	}
	return out, true
}
