// Package events is the EventDecoder: a pure function turning a raw webhook
// payload into the set of PR identities it might affect, with no forge
// calls. Grounded on the teacher's internal/webhook/handler.go payload
// unmarshaling idiom (github.PullRequestEvent et al.), generalized from one
// event type to the full set this bot watches.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	github "github.com/google/go-github/v75/github"

	"github.com/ealebed/anubis/internal/prid"
)

// Decode turns one webhook delivery into the PR identities it might affect.
// owner/repo/stagingBranch are used only for check_run/workflow_run (spec.md
// §4.6): linked PRs are filtered to owner/repo, and a run on stagingBranch
// falls back to its head SHA. push and status events are not filtered.
func Decode(eventType string, payload []byte, owner, repo, stagingBranch string) ([]prid.Identity, error) {
	switch eventType {
	case "pull_request":
		var e github.PullRequestEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode pull_request: %w", err)
		}
		return []prid.Identity{prid.NewNum(e.GetPullRequest().GetNumber())}, nil

	case "pull_request_review":
		var e github.PullRequestReviewEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode pull_request_review: %w", err)
		}
		return []prid.Identity{prid.NewNum(e.GetPullRequest().GetNumber())}, nil

	case "status":
		var e github.StatusEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		var branches []string
		for _, b := range e.Branches {
			if b != nil {
				branches = append(branches, b.GetName())
			}
		}
		return prid.BranchList(branches, e.GetCommit().GetCommit().GetMessage()), nil

	case "push":
		var e github.PushEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode push: %w", err)
		}
		branch, ok := strings.CutPrefix(e.GetRef(), "refs/heads/")
		if !ok {
			return nil, nil
		}
		return prid.BranchList([]string{branch}, e.GetHeadCommit().GetMessage()), nil

	case "check_run":
		var e github.CheckRunEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode check_run: %w", err)
		}
		return fromPullRequests(e.GetCheckRun().PullRequests, e.GetCheckRun().GetHeadSHA(),
			e.GetCheckRun().GetCheckSuite().GetHeadBranch(), owner, repo, stagingBranch), nil

	case "workflow_run":
		var e github.WorkflowRunEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode workflow_run: %w", err)
		}
		return fromPullRequests(e.GetWorkflowRun().PullRequests, e.GetWorkflowRun().GetHeadSHA(),
			e.GetWorkflowRun().GetHeadBranch(), owner, repo, stagingBranch), nil

	case "ping":
		return nil, nil

	default:
		return nil, nil
	}
}

// fromPullRequests implements the check_run/workflow_run branch of §4.6:
// prefer the event's linked pull_requests (filtered to the monitored
// owner/repo), falling back to a Sha identity when the run was on the
// staging branch, else nothing.
func fromPullRequests(prs []*github.PullRequest, headSHA, headBranch, owner, repo, stagingBranch string) []prid.Identity {
	if len(prs) > 0 {
		var out []prid.Identity
		for _, pr := range prs {
			if pr == nil {
				continue
			}
			if !belongsTo(pr, owner, repo) {
				continue
			}
			out = append(out, prid.NewNum(pr.GetNumber()))
		}
		return out
	}
	if headBranch == stagingBranch {
		return []prid.Identity{prid.NewSha(headSHA, "")}
	}
	return nil
}

// belongsTo matches a linked PR's base repo against the monitored
// owner/repo, as parsed from go-github's URL field (the repo's API URL
// ends in "/repos/<owner>/<repo>").
func belongsTo(pr *github.PullRequest, owner, repo string) bool {
	url := pr.GetBase().GetRepo().GetURL()
	if url == "" {
		// Minimal event payloads only carry a base repo URL; if absent,
		// conservatively include the PR rather than silently drop it.
		return true
	}
	suffix := "/repos/" + owner + "/" + repo
	return strings.HasSuffix(url, suffix)
}
