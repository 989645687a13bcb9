// Package labels names every bot-owned label and the transition helpers
// MergeContext uses to keep a PR's progress labels mutually exclusive.
// Adapted from the teacher's regex-driven label handling in
// internal/cherry/labels.go, repurposed from target-branch labels to
// merge-progress-category labels.
package labels

// Bot-owned progress labels (§6.3). Only one "progress" label (everything
// below except Merged/ClearedForMerge/IgnoredByMergeBots) is present on a PR
// at a time.
const (
	WaitingStagingChecks   = "M-waiting-staging-checks"
	PassedStagingChecks    = "M-passed-staging-checks"
	FailedStagingChecks    = "M-failed-staging-checks"
	AbandonedStagingChecks = "M-abandoned-staging-checks"
	FailedOther            = "M-failed-other"
	FailedDescription      = "M-failed-description"
	Merged                 = "M-merged"

	// ClearedForMerge and IgnoredByMergeBots are human-set, never applied
	// by the bot itself.
	ClearedForMerge   = "M-cleared-for-merge"
	IgnoredByMergeBots = "M-ignored-by-merge-bots"
)

// progress lists every label the bot treats as mutually exclusive
// "current progress" state, in no particular order.
var progress = []string{
	WaitingStagingChecks,
	PassedStagingChecks,
	FailedStagingChecks,
	AbandonedStagingChecks,
	FailedOther,
	FailedDescription,
}

// Transition describes which progress labels to add and remove as an
// atomic step, so applying it twice is idempotent (add/remove on an
// already-correct label set is a no-op).
type Transition struct {
	Add    []string
	Remove []string
}

// newTransition builds a Transition that adds want (if non-empty) and
// removes every other progress label.
func newTransition(want string) Transition {
	t := Transition{}
	if want != "" {
		t.Add = []string{want}
	}
	for _, l := range progress {
		if l != want {
			t.Remove = append(t.Remove, l)
		}
	}
	return t
}

// ToWaitingStagingChecks is applied right after a staging commit is created.
func ToWaitingStagingChecks() Transition { return newTransition(WaitingStagingChecks) }

// ToPassedStagingChecks is applied once required checks succeed, just
// before advancing.
func ToPassedStagingChecks() Transition { return newTransition(PassedStagingChecks) }

// ToFailedStagingChecks is applied when a required check reports failure.
func ToFailedStagingChecks() Transition { return newTransition(FailedStagingChecks) }

// ToAbandonedStagingChecks is applied when a stale staging tag is
// discarded (the "clean-staged" labeler of §4.3).
func ToAbandonedStagingChecks() Transition { return newTransition(AbandonedStagingChecks) }

// ToFailedOther is applied when a staged, still-open PR fails its
// postcondition checks, or when its fast-forward conflicts with a diverged
// base.
func ToFailedOther() Transition { return newTransition(FailedOther) }

// ToFailedDescription is applied when the 72-char commit-message rule
// rejects the PR's title/body.
func ToFailedDescription() Transition { return newTransition(FailedDescription) }

// CleanStaged removes every progress label without adding one, used when a
// staged PR is found no longer open and its staging tag is discarded.
func CleanStaged() Transition { return newTransition("") }

// Merge is applied on a successful fast-forward: adds Merged and clears
// every progress label, including the human/bot-both-owned
// cleared-for-merge flag.
func Merge() Transition {
	t := newTransition(Merged)
	t.Remove = append(t.Remove, ClearedForMerge)
	return t
}

// Apply computes add/remove label sets against the PR's current labels,
// skipping additions/removals already satisfied — the idempotence property
// required of every label transition.
func (t Transition) Apply(current []string) (add, remove []string) {
	has := make(map[string]bool, len(current))
	for _, l := range current {
		has[l] = true
	}
	for _, l := range t.Add {
		if !has[l] {
			add = append(add, l)
		}
	}
	for _, l := range t.Remove {
		if has[l] {
			remove = append(remove, l)
		}
	}
	return add, remove
}
