// Package forgeclient wraps google/go-github into the ForgeClient surface
// the core consumes (spec.md §4.1/§6.1): pagination, rate-limit pacing, and
// typed errors the core can branch on without importing go-github.
package forgeclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	github "github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

const (
	maxRetries  = 8
	retryDelay  = 2 * time.Second
	mergeableInitialBackoff = 1 * time.Second
	mergeableMaxBackoff     = 64 * time.Second
	mergeableBudget         = 2 * time.Minute
)

// ForgeClient is the complete surface spec.md §4.1/§6.1 describes. The core
// (mergectx, scan, approval) depends only on this interface.
type ForgeClient interface {
	ListOpenPRs(ctx context.Context) ([]PullRequest, error)
	GetPR(ctx context.Context, number int, awaitMergeable bool) (PullRequest, error)
	GetReviews(ctx context.Context, number int) ([]Review, error)
	GetCombinedStatus(ctx context.Context, ref string) (CombinedStatus, error)
	GetRequiredStatusContexts(ctx context.Context, branch string) ([]string, error)
	GetCommit(ctx context.Context, sha string) (Commit, error)
	GetRef(ctx context.Context, qualified string) (string, error)
	CreateCommit(ctx context.Context, treeSHA, message string, parents []string, author, committer Ident) (string, error)
	CreateRef(ctx context.Context, qualified, sha string) error
	UpdateRef(ctx context.Context, qualified, sha string, force bool) error
	DeleteRef(ctx context.Context, qualified string) error
	CompareCommits(ctx context.Context, base, head string) (CompareResult, error)
	AddLabels(ctx context.Context, number int, names []string) error
	RemoveLabel(ctx context.Context, number int, name string) error
	ListLabels(ctx context.Context, number int) ([]string, error)
	CreateStatus(ctx context.Context, sha string, state, targetURL, description, context string) error
	GetUser(ctx context.Context, login string) (User, error)
	GetAuthenticatedEmails(ctx context.Context) ([]string, error)
	EnsureLabel(ctx context.Context, name, color string) error
	ClosePR(ctx context.Context, number int) error
}

// Client is the production ForgeClient, backed by a real *github.Client.
type Client struct {
	owner, repo string
	gh          gh

	// dryRun suppresses every mutating call (dryRun mode, spec.md §4.3);
	// the call is logged and treated as successful.
	dryRun bool

	// requestTimeout bounds every forge call (spec.md §5): New sets it as
	// the HTTP client's per-request timeout, and doWithRetry also derives a
	// context.WithTimeout from it that cuts short the backoff waits and
	// rate-limit pauses between the attempts of one op.
	requestTimeout time.Duration
}

// New builds a Client authenticated with a personal access token, per
// spec.md §6.4 (githubLogin/githubToken). Grounded on golang.org/x/oauth2's
// static token source, the standard pairing for google/go-github (seen in
// clarketm-prow's go.mod alongside the same go-github dependency).
// requestTimeout bounds every call doWithRetry issues (spec.md §5); callers
// pass cfg.RequestTimeout (ANUBIS_REQUEST_TIMEOUT, default 3m).
func New(ctx context.Context, owner, repo, token string, dryRun bool, requestTimeout time.Duration) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	if requestTimeout > 0 {
		httpClient.Timeout = requestTimeout
	}
	gc := github.NewClient(httpClient)
	return &Client{
		owner: owner,
		repo:  repo,
		gh: gh{
			pr:    gc.PullRequests,
			issue: gc.Issues,
			git:   gc.Git,
			repo:  gc.Repositories,
			user:  gc.Users,
		},
		dryRun:         dryRun,
		requestTimeout: requestTimeout,
	}
}

// afterResponse applies the rate-limit pacing discipline of spec.md §4.1:
// if more than 20% of quota is used, sleep until the reset is paced evenly
// over the remaining calls.
func (c *Client) afterResponse(ctx context.Context, resp *github.Response) {
	if resp == nil {
		return
	}
	rate := resp.Rate
	if rate.Limit <= 0 {
		return
	}
	used := rate.Limit - rate.Remaining
	if float64(used)/float64(rate.Limit) <= 0.2 {
		return
	}
	remaining := rate.Remaining
	if remaining < 1 {
		remaining = 1
	}
	wait := time.Until(rate.Reset.Time) / time.Duration(remaining)
	if wait <= 0 {
		return
	}
	slog.Debug("forge.rate_limit_pace", "used", used, "limit", rate.Limit, "wait_ms", wait.Milliseconds())
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// doWithRetry retries fn on transport failures only (no HTTP response at
// all), never on 4xx/5xx responses — grounded on clarketm-prow's
// github/client.go request() retry loop, adapted to wrap go-github calls.
func (c *Client) doWithRetry(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	backoff := retryDelay
	var lastErr error
	var lastResp *github.Response
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := fn()
		lastResp, lastErr = resp, err
		if err == nil {
			c.afterResponse(ctx, resp)
			return nil
		}
		if resp != nil {
			// We got an HTTP response; this is a real forge error, not a
			// transport hiccup. Do not retry.
			c.afterResponse(ctx, resp)
			return classify(op, err, resp)
		}
		select {
		case <-ctx.Done():
			return classify(op, ctx.Err(), nil)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return classify(op, lastErr, lastResp)
}

func toCheckStatuses(statuses []*github.RepoStatus) []CheckStatus {
	out := make([]CheckStatus, 0, len(statuses))
	for _, s := range statuses {
		if s == nil {
			continue
		}
		out = append(out, CheckStatus{
			Context:     s.GetContext(),
			State:       s.GetState(),
			Description: s.GetDescription(),
			TargetURL:   s.GetTargetURL(),
		})
	}
	return out
}

func toReviewState(s string) ReviewState {
	switch strings.ToUpper(s) {
	case "APPROVED":
		return ReviewApproved
	case "CHANGES_REQUESTED":
		return ReviewChangesRequested
	default:
		return ReviewOther
	}
}

// qualifiedRef builds the full "refs/heads/x" / "refs/tags/x" form go-github
// expects, from the spec's "heads/<branch>" / "tags/<name>" convention.
func qualifiedRef(qualified string) string {
	return "refs/" + strings.TrimPrefix(qualified, "refs/")
}

func (c *Client) ListOpenPRs(ctx context.Context) ([]PullRequest, error) {
	var out []PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var page []*github.PullRequest
		var nextPage int
		err := c.doWithRetry(ctx, "ListOpenPRs", func() (*github.Response, error) {
			p, resp, err := c.gh.pr.List(ctx, c.owner, c.repo, opts)
			page = p
			if resp != nil {
				nextPage = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, pr := range page {
			out = append(out, fromGithubPR(pr))
		}
		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}
	return out, nil
}

func fromGithubPR(pr *github.PullRequest) PullRequest {
	var reviewers []string
	for _, u := range pr.RequestedReviewers {
		if u != nil {
			reviewers = append(reviewers, u.GetLogin())
		}
	}
	var labels []string
	for _, l := range pr.Labels {
		if l != nil {
			labels = append(labels, l.GetName())
		}
	}
	return PullRequest{
		Number:             pr.GetNumber(),
		State:              pr.GetState(),
		Title:              pr.GetTitle(),
		Body:               pr.GetBody(),
		Author:             pr.GetUser().GetLogin(),
		Base:               pr.GetBase().GetRef(),
		HeadSHA:            pr.GetHead().GetSHA(),
		HeadBranch:         pr.GetHead().GetRef(),
		Mergeable:          pr.Mergeable,
		Labels:             labels,
		RequestedReviewers: reviewers,
		CreatedAt:          pr.GetCreatedAt().Time,
		UpdatedAt:          pr.GetUpdatedAt().Time,
		MergeCommitSHA:     pr.GetMergeCommitSHA(),
	}
}

// GetPR polls for the mergeable flag when awaitMergeable is set, per
// spec.md §4.1: exponential backoff 1s -> 64s cap, ~2 minute total budget.
func (c *Client) GetPR(ctx context.Context, number int, awaitMergeable bool) (PullRequest, error) {
	deadline := time.Now().Add(mergeableBudget)
	backoff := mergeableInitialBackoff
	for {
		var raw *github.PullRequest
		err := c.doWithRetry(ctx, "GetPR", func() (*github.Response, error) {
			p, resp, err := c.gh.pr.Get(ctx, c.owner, c.repo, number)
			raw = p
			return resp, err
		})
		if err != nil {
			return PullRequest{}, err
		}
		pr := fromGithubPR(raw)
		if !awaitMergeable || pr.Mergeable != nil || pr.State != "open" {
			return pr, nil
		}
		if time.Now().After(deadline) {
			return PullRequest{}, &Error{Kind: KindTimeout, HTTPCode: 0, Op: "GetPR",
				Err: fmt.Errorf("mergeable flag not computed for PR #%d after %s", number, mergeableBudget)}
		}
		select {
		case <-ctx.Done():
			return PullRequest{}, classify("GetPR", ctx.Err(), nil)
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(mergeableMaxBackoff)))
	}
}

// GetReviews returns every review in chronological submission order, across
// all pages, so the approval engine can take the latest one per reviewer.
func (c *Client) GetReviews(ctx context.Context, number int) ([]Review, error) {
	var out []Review
	opts := &github.ListOptions{PerPage: 100}
	for {
		var page []*github.PullRequestReview
		var nextPage int
		err := c.doWithRetry(ctx, "GetReviews", func() (*github.Response, error) {
			p, resp, err := c.gh.pr.ListReviews(ctx, c.owner, c.repo, number, opts)
			page = p
			if resp != nil {
				nextPage = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if r == nil {
				continue
			}
			out = append(out, Review{
				Reviewer:    r.GetUser().GetLogin(),
				SubmittedAt: r.GetSubmittedAt().Time,
				State:       toReviewState(r.GetState()),
			})
		}
		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}
	return out, nil
}

func (c *Client) GetCombinedStatus(ctx context.Context, ref string) (CombinedStatus, error) {
	var all []CheckStatus
	var state string
	opts := &github.ListOptions{PerPage: 100}
	for {
		var combined *github.CombinedStatus
		err := c.doWithRetry(ctx, "GetCombinedStatus", func() (*github.Response, error) {
			cs, resp, err := c.gh.repo.GetCombinedStatus(ctx, c.owner, c.repo, ref, opts)
			combined = cs
			return resp, err
		})
		if err != nil {
			return CombinedStatus{}, err
		}
		state = combined.GetState()
		all = append(all, toCheckStatuses(combined.Statuses)...)
		if combined.GetTotalCount() <= len(all) {
			break
		}
		opts.Page++
	}
	return CombinedStatus{State: state, Statuses: all}, nil
}

func (c *Client) GetRequiredStatusContexts(ctx context.Context, branch string) ([]string, error) {
	var prot *github.Protection
	err := c.doWithRetry(ctx, "GetRequiredStatusContexts", func() (*github.Response, error) {
		p, resp, err := c.gh.repo.GetBranchProtection(ctx, c.owner, c.repo, branch)
		prot = p
		return resp, err
	})
	if err != nil {
		if IsNotFound(err) {
			// No protection configured: no required contexts.
			return nil, nil
		}
		return nil, err
	}
	if prot == nil || prot.RequiredStatusChecks == nil {
		return nil, nil
	}
	return prot.RequiredStatusChecks.Contexts, nil
}

func (c *Client) GetCommit(ctx context.Context, sha string) (Commit, error) {
	var raw *github.Commit
	err := c.doWithRetry(ctx, "GetCommit", func() (*github.Response, error) {
		cm, resp, err := c.gh.git.GetCommit(ctx, c.owner, c.repo, sha)
		raw = cm
		return resp, err
	})
	if err != nil {
		return Commit{}, err
	}
	var parents []string
	for _, p := range raw.Parents {
		if p != nil {
			parents = append(parents, p.GetSHA())
		}
	}
	return Commit{
		SHA:     raw.GetSHA(),
		TreeSHA: raw.GetTree().GetSHA(),
		Author: Ident{
			Name:  raw.GetAuthor().GetName(),
			Email: raw.GetAuthor().GetEmail(),
		},
		Committer: Ident{
			Name:  raw.GetCommitter().GetName(),
			Email: raw.GetCommitter().GetEmail(),
		},
		Message: raw.GetMessage(),
		Parents: parents,
	}, nil
}

func (c *Client) GetRef(ctx context.Context, qualified string) (string, error) {
	var raw *github.Reference
	err := c.doWithRetry(ctx, "GetRef", func() (*github.Response, error) {
		r, resp, err := c.gh.git.GetRef(ctx, c.owner, c.repo, qualifiedRef(qualified))
		raw = r
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return raw.GetObject().GetSHA(), nil
}

func (c *Client) CreateCommit(ctx context.Context, treeSHA, message string, parents []string, author, committer Ident) (string, error) {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "CreateCommit", "tree", treeSHA, "parents", parents)
		return "dry-run-sha", nil
	}
	var parentCommits []*github.Commit
	for _, p := range parents {
		parentCommits = append(parentCommits, &github.Commit{SHA: github.Ptr(p)})
	}
	commit := &github.Commit{
		Message: github.Ptr(message),
		Tree:    &github.Tree{SHA: github.Ptr(treeSHA)},
		Parents: parentCommits,
		Author: &github.CommitAuthor{
			Name:  github.Ptr(author.Name),
			Email: github.Ptr(author.Email),
		},
		Committer: &github.CommitAuthor{
			Name:  github.Ptr(committer.Name),
			Email: github.Ptr(committer.Email),
		},
	}
	var raw *github.Commit
	err := c.doWithRetry(ctx, "CreateCommit", func() (*github.Response, error) {
		cm, resp, err := c.gh.git.CreateCommit(ctx, c.owner, c.repo, commit, nil)
		raw = cm
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return raw.GetSHA(), nil
}

func (c *Client) CreateRef(ctx context.Context, qualified, sha string) error {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "CreateRef", "ref", qualified, "sha", sha)
		return nil
	}
	ref := &github.Reference{
		Ref:    github.Ptr(qualifiedRef(qualified)),
		Object: &github.GitObject{SHA: github.Ptr(sha)},
	}
	return c.doWithRetry(ctx, "CreateRef", func() (*github.Response, error) {
		_, resp, err := c.gh.git.CreateRef(ctx, c.owner, c.repo, ref)
		return resp, err
	})
}

func (c *Client) UpdateRef(ctx context.Context, qualified, sha string, force bool) error {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "UpdateRef", "ref", qualified, "sha", sha, "force", force)
		return nil
	}
	ref := &github.Reference{
		Ref:    github.Ptr(qualifiedRef(qualified)),
		Object: &github.GitObject{SHA: github.Ptr(sha)},
	}
	return c.doWithRetry(ctx, "UpdateRef", func() (*github.Response, error) {
		_, resp, err := c.gh.git.UpdateRef(ctx, c.owner, c.repo, ref, force)
		return resp, err
	})
}

func (c *Client) DeleteRef(ctx context.Context, qualified string) error {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "DeleteRef", "ref", qualified)
		return nil
	}
	return c.doWithRetry(ctx, "DeleteRef", func() (*github.Response, error) {
		resp, err := c.gh.git.DeleteRef(ctx, c.owner, c.repo, qualifiedRef(qualified))
		return resp, err
	})
}

func (c *Client) CompareCommits(ctx context.Context, base, head string) (CompareResult, error) {
	var raw *github.CommitsComparison
	err := c.doWithRetry(ctx, "CompareCommits", func() (*github.Response, error) {
		cc, resp, err := c.gh.repo.CompareCommits(ctx, c.owner, c.repo, base, head, nil)
		raw = cc
		return resp, err
	})
	if err != nil {
		return CompareResult{}, err
	}
	return CompareResult{
		Status:   raw.GetStatus(),
		AheadBy:  raw.GetAheadBy(),
		BehindBy: raw.GetBehindBy(),
	}, nil
}

func (c *Client) AddLabels(ctx context.Context, number int, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "AddLabels", "pr", number, "labels", names)
		return nil
	}
	return c.doWithRetry(ctx, "AddLabels", func() (*github.Response, error) {
		_, resp, err := c.gh.issue.AddLabelsToIssue(ctx, c.owner, c.repo, number, names)
		return resp, err
	})
}

func (c *Client) RemoveLabel(ctx context.Context, number int, name string) error {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "RemoveLabel", "pr", number, "label", name)
		return nil
	}
	err := c.doWithRetry(ctx, "RemoveLabel", func() (*github.Response, error) {
		resp, err := c.gh.issue.RemoveLabelForIssue(ctx, c.owner, c.repo, number, name)
		return resp, err
	})
	if IsNotFound(err) {
		// Label already absent: idempotent no-op per the label-idempotence
		// testable property.
		return nil
	}
	return err
}

func (c *Client) ListLabels(ctx context.Context, number int) ([]string, error) {
	var out []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		var page []*github.Label
		err := c.doWithRetry(ctx, "ListLabels", func() (*github.Response, error) {
			p, resp, err := c.gh.issue.ListLabelsByIssue(ctx, c.owner, c.repo, number, opts)
			page = p
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range page {
			if l != nil {
				out = append(out, l.GetName())
			}
		}
		if len(page) < opts.PerPage {
			break
		}
		opts.Page++
	}
	return out, nil
}

func (c *Client) CreateStatus(ctx context.Context, sha string, state, targetURL, description, context string) error {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "CreateStatus", "sha", sha, "state", state, "context", context)
		return nil
	}
	status := &github.RepoStatus{
		State:       github.Ptr(state),
		TargetURL:   github.Ptr(targetURL),
		Description: github.Ptr(description),
		Context:     github.Ptr(context),
	}
	return c.doWithRetry(ctx, "CreateStatus", func() (*github.Response, error) {
		_, resp, err := c.gh.repo.CreateStatus(ctx, c.owner, c.repo, sha, status)
		return resp, err
	})
}

func (c *Client) GetUser(ctx context.Context, login string) (User, error) {
	var raw *github.User
	err := c.doWithRetry(ctx, "GetUser", func() (*github.Response, error) {
		u, resp, err := c.gh.user.Get(ctx, login)
		raw = u
		return resp, err
	})
	if err != nil {
		return User{}, err
	}
	return User{Login: raw.GetLogin()}, nil
}

func (c *Client) GetAuthenticatedEmails(ctx context.Context) ([]string, error) {
	var out []string
	var page []*github.UserEmail
	err := c.doWithRetry(ctx, "GetAuthenticatedEmails", func() (*github.Response, error) {
		p, resp, err := c.gh.user.ListEmails(ctx, &github.ListOptions{PerPage: 100})
		page = p
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	for _, e := range page {
		if e != nil {
			out = append(out, e.GetEmail())
		}
	}
	return out, nil
}

// ClosePR sets a PR's state to closed, used on a successful fast-forward
// merge once the target branch carries the staging commit.
func (c *Client) ClosePR(ctx context.Context, number int) error {
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "ClosePR", "pr", number)
		return nil
	}
	return c.doWithRetry(ctx, "ClosePR", func() (*github.Response, error) {
		_, resp, err := c.gh.pr.Edit(ctx, c.owner, c.repo, number, &github.PullRequest{
			State: github.Ptr("closed"),
		})
		return resp, err
	})
}

// EnsureLabel idempotently creates a bot-owned label if it doesn't already
// exist. Grounded on the teacher's processor.ensureLabel idiom.
func (c *Client) EnsureLabel(ctx context.Context, name, color string) error {
	labels, err := c.listRepoLabels(ctx)
	if err != nil {
		return err
	}
	for _, l := range labels {
		if l == name {
			return nil
		}
	}
	if c.dryRun {
		slog.Info("forge.dry_run", "op", "EnsureLabel", "label", name)
		return nil
	}
	return c.doWithRetry(ctx, "EnsureLabel", func() (*github.Response, error) {
		_, resp, err := c.gh.issue.CreateLabel(ctx, c.owner, c.repo, &github.Label{
			Name:  github.Ptr(name),
			Color: github.Ptr(color),
		})
		return resp, err
	})
}

func (c *Client) listRepoLabels(ctx context.Context) ([]string, error) {
	var out []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		var page []*github.Label
		err := c.doWithRetry(ctx, "listRepoLabels", func() (*github.Response, error) {
			p, resp, err := c.gh.issue.ListLabels(ctx, c.owner, c.repo, opts)
			page = p
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range page {
			if l != nil {
				out = append(out, l.GetName())
			}
		}
		if len(page) < opts.PerPage {
			break
		}
		opts.Page++
	}
	return out, nil
}
