package forgeclient

import "time"

// PullRequest is the core's view of a PR, translated from go-github's
// *github.PullRequest at the client boundary so the rest of the repo never
// imports go-github directly.
type PullRequest struct {
	Number             int
	State              string // "open" or "closed"
	Title              string
	Body               string
	Author             string
	Base               string // base branch name
	HeadSHA            string
	HeadBranch         string
	Mergeable          *bool // nil = forge hasn't computed it yet
	Labels             []string
	RequestedReviewers []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	MergeCommitSHA     string // populated once the forge computes pull/<n>/merge
}

// HasLabel reports whether name is present among the PR's labels.
func (pr PullRequest) HasLabel(name string) bool {
	for _, l := range pr.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Ident names a commit author or committer.
type Ident struct {
	Name  string
	Email string
}

// Commit is the core's view of a git commit object.
type Commit struct {
	SHA       string
	TreeSHA   string
	Author    Ident
	Committer Ident
	Message   string
	Parents   []string
}

// Review is one normalized review submission.
type ReviewState string

const (
	ReviewApproved          ReviewState = "approved"
	ReviewChangesRequested  ReviewState = "changes_requested"
	ReviewOther             ReviewState = "other"
)

type Review struct {
	Reviewer    string
	SubmittedAt time.Time
	State       ReviewState
}

// CheckStatus is one context's status on a commit.
type CheckStatus struct {
	Context     string
	State       string // success | pending | failure | error
	Description string
	TargetURL   string
}

// CombinedStatus is the aggregate status for a commit.
type CombinedStatus struct {
	State    string // success | pending | failure
	Statuses []CheckStatus
}

// CompareResult is the result of comparing two refs.
type CompareResult struct {
	Status   string // ahead | behind | identical | diverged
	AheadBy  int
	BehindBy int
}

func (c CompareResult) Diverged() bool { return c.Status == "diverged" }

// User is a forge account.
type User struct {
	Login string
}
