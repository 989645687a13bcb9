// Package approval is the voting engine: a pure decision function with no
// forge calls, taking the PR's review history and the core-developer set
// and returning a verdict the merge state machine branches on.
package approval

import (
	"time"

	"github.com/ealebed/anubis/internal/forgeclient"
)

// Status is the three-way verdict the voting algorithm returns.
type Status int

const (
	Blocked Status = iota
	Pending
	Ready
)

func (s Status) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Verdict is the full result of Decide: the status, a human-readable
// reason (surfaced in the "PR approval" status description), and — for
// Pending — how long to wait before re-evaluating.
type Verdict struct {
	Status Status
	Reason string
	Delay  time.Duration
}

// Config carries the voting thresholds, sourced from the bot's
// configuration surface.
type Config struct {
	NecessaryApprovals  int
	SufficientApprovals int
	VotingDelayMin      time.Duration
	VotingDelayMax      time.Duration
}

// Input bundles everything Decide needs to reach a verdict.
type Input struct {
	CoreDevelopers     map[string]bool // login -> core developer
	RequestedReviewers []string
	Reviews            []forgeclient.Review // chronological order
	Author             string
	CreatedAt          time.Time
	Now                time.Time
}

// Decide runs the nine-step deterministic voting algorithm.
func Decide(in Input, cfg Config) Verdict {
	for _, r := range in.RequestedReviewers {
		if in.CoreDevelopers[r] {
			return Verdict{Status: Blocked, Reason: "waiting for requested reviews"}
		}
	}

	latest := make(map[string]forgeclient.ReviewState)
	for _, r := range in.Reviews {
		if !in.CoreDevelopers[r.Reviewer] {
			continue
		}
		switch r.State {
		case forgeclient.ReviewApproved, forgeclient.ReviewChangesRequested:
			latest[r.Reviewer] = r.State
		}
	}
	if in.CoreDevelopers[in.Author] {
		latest[in.Author] = forgeclient.ReviewApproved
	}

	for _, state := range latest {
		if state == forgeclient.ReviewChangesRequested {
			return Verdict{Status: Blocked, Reason: "blocked (see change requests)"}
		}
	}

	approving := 0
	for _, state := range latest {
		if state == forgeclient.ReviewApproved {
			approving++
		}
	}
	age := in.Now.Sub(in.CreatedAt)

	if approving < cfg.NecessaryApprovals {
		return Verdict{Status: Blocked, Reason: "waiting for more votes"}
	}
	if age < cfg.VotingDelayMin {
		return Verdict{Status: Pending, Reason: "waiting for fast track objections", Delay: cfg.VotingDelayMin - age}
	}
	if approving >= cfg.SufficientApprovals {
		return Verdict{Status: Ready, Reason: "approved"}
	}
	if age >= cfg.VotingDelayMax {
		return Verdict{Status: Ready, Reason: "approved (on slow burner)"}
	}
	return Verdict{Status: Pending, Reason: "waiting for more votes or a slow burner timeout", Delay: cfg.VotingDelayMax - age}
}
