package mergectx

import (
	"context"
	"testing"
	"time"

	"github.com/ealebed/anubis/internal/approval"
	"github.com/ealebed/anubis/internal/forgeclient"
	"github.com/ealebed/anubis/internal/labels"
)

// fakeForge is a local, in-memory ForgeClient used to drive the state
// machine end to end without a real forge. Refs and commits are populated
// per test; label mutations and every other call are recorded for
// assertions.
type fakeForge struct {
	refs        map[string]string // qualified ref -> sha
	commits     map[string]forgeclient.Commit
	reviews     []forgeclient.Review
	combined    map[string]forgeclient.CombinedStatus
	required    []string
	user        forgeclient.User
	emails      []string
	compare     forgeclient.CompareResult
	updateRefErr error

	createdCommitSHA string
	createdRefs      []string
	deletedRefs      []string
	added            map[int][]string
	removed         map[int][]string
	closed          map[int]bool
	statuses        []string
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		refs:     map[string]string{},
		commits:  map[string]forgeclient.Commit{},
		combined: map[string]forgeclient.CombinedStatus{},
		added:    map[int][]string{},
		removed:  map[int][]string{},
		closed:   map[int]bool{},
	}
}

func notFound(op string) error { return &forgeclient.Error{Kind: forgeclient.KindNotFound, HTTPCode: 404, Op: op} }

func (f *fakeForge) ListOpenPRs(ctx context.Context) ([]forgeclient.PullRequest, error) { return nil, nil }
func (f *fakeForge) GetPR(ctx context.Context, number int, awaitMergeable bool) (forgeclient.PullRequest, error) {
	return forgeclient.PullRequest{}, nil
}
func (f *fakeForge) GetReviews(ctx context.Context, number int) ([]forgeclient.Review, error) {
	return f.reviews, nil
}
func (f *fakeForge) GetCombinedStatus(ctx context.Context, ref string) (forgeclient.CombinedStatus, error) {
	if cs, ok := f.combined[ref]; ok {
		return cs, nil
	}
	return forgeclient.CombinedStatus{State: "success"}, nil
}
func (f *fakeForge) GetRequiredStatusContexts(ctx context.Context, branch string) ([]string, error) {
	return f.required, nil
}
func (f *fakeForge) GetCommit(ctx context.Context, sha string) (forgeclient.Commit, error) {
	if c, ok := f.commits[sha]; ok {
		return c, nil
	}
	return forgeclient.Commit{}, notFound("GetCommit")
}
func (f *fakeForge) GetRef(ctx context.Context, qualified string) (string, error) {
	if sha, ok := f.refs[qualified]; ok {
		return sha, nil
	}
	return "", notFound("GetRef")
}
func (f *fakeForge) CreateCommit(ctx context.Context, treeSHA, message string, parents []string, author, committer forgeclient.Ident) (string, error) {
	f.createdCommitSHA = "new-commit-sha"
	return f.createdCommitSHA, nil
}
func (f *fakeForge) CreateRef(ctx context.Context, qualified, sha string) error {
	f.createdRefs = append(f.createdRefs, qualified)
	f.refs[qualified] = sha
	return nil
}
func (f *fakeForge) UpdateRef(ctx context.Context, qualified, sha string, force bool) error {
	if f.updateRefErr != nil {
		return f.updateRefErr
	}
	f.refs[qualified] = sha
	return nil
}
func (f *fakeForge) DeleteRef(ctx context.Context, qualified string) error {
	f.deletedRefs = append(f.deletedRefs, qualified)
	delete(f.refs, qualified)
	return nil
}
func (f *fakeForge) CompareCommits(ctx context.Context, base, head string) (forgeclient.CompareResult, error) {
	return f.compare, nil
}
func (f *fakeForge) AddLabels(ctx context.Context, number int, names []string) error {
	f.added[number] = append(f.added[number], names...)
	return nil
}
func (f *fakeForge) RemoveLabel(ctx context.Context, number int, name string) error {
	f.removed[number] = append(f.removed[number], name)
	return nil
}
func (f *fakeForge) ListLabels(ctx context.Context, number int) ([]string, error) { return nil, nil }
func (f *fakeForge) CreateStatus(ctx context.Context, sha string, state, targetURL, description, context string) error {
	f.statuses = append(f.statuses, sha+":"+state+":"+context)
	return nil
}
func (f *fakeForge) GetUser(ctx context.Context, login string) (forgeclient.User, error) {
	return f.user, nil
}
func (f *fakeForge) GetAuthenticatedEmails(ctx context.Context) ([]string, error) { return f.emails, nil }
func (f *fakeForge) EnsureLabel(ctx context.Context, name, color string) error    { return nil }
func (f *fakeForge) ClosePR(ctx context.Context, number int) error {
	f.closed[number] = true
	return nil
}

var _ forgeclient.ForgeClient = (*fakeForge)(nil)

func baseConfig() Config {
	return Config{
		StagingBranch: "staging",
		Mode:          ModeNormal,
		Approval: approval.Config{
			NecessaryApprovals:  1,
			SufficientApprovals: 1,
			VotingDelayMin:      0,
			VotingDelayMax:      time.Hour,
		},
		CoreDevelopers: map[string]bool{"alice": true},
	}
}

func readyPR() forgeclient.PullRequest {
	ok := true
	return forgeclient.PullRequest{
		Number:    5,
		State:     "open",
		Title:     "Fix the widget",
		Body:      "",
		Author:    "carol",
		Base:      "main",
		HeadSHA:   "head-sha",
		Mergeable: &ok,
		CreatedAt: time.Unix(0, 0),
	}
}

func TestProcess_MergedLabelShortCircuitsToNoOp(t *testing.T) {
	pr := readyPR()
	pr.Labels = []string{labels.Merged}
	res, err := Process(context.Background(), nil, baseConfig(), nil, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != NoOp {
		t.Fatalf("Outcome = %v, want NoOp", res.Outcome)
	}
}

func TestProcess_BrewingStagesAReadyPR(t *testing.T) {
	fc := newFakeForge()
	fc.reviews = []forgeclient.Review{{Reviewer: "alice", State: forgeclient.ReviewApproved}}
	fc.refs["heads/main"] = "base-sha"
	fc.refs["pull/5/merge"] = "merge-sha"
	fc.commits["merge-sha"] = forgeclient.Commit{TreeSHA: "tree-x", Author: forgeclient.Ident{Name: "carol", Email: "carol@x"}}
	fc.user = forgeclient.User{Login: "bot"}
	fc.emails = []string{"bot@example.com"}

	bot := &BotIdentity{Login: "bot"}
	pr := readyPR()

	res, err := Process(context.Background(), fc, baseConfig(), bot, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != Staged {
		t.Fatalf("Outcome = %v, want Staged", res.Outcome)
	}
	if fc.refs["tags/M-staged-PR5"] != "new-commit-sha" {
		t.Fatalf("staging tag not created with the new commit sha: %v", fc.refs)
	}
	if fc.refs["heads/staging"] != "new-commit-sha" {
		t.Fatalf("staging branch not force-updated: %v", fc.refs)
	}
	if len(fc.added[5]) != 1 || fc.added[5][0] != labels.WaitingStagingChecks {
		t.Fatalf("added labels = %v, want [%s]", fc.added[5], labels.WaitingStagingChecks)
	}
}

func TestProcess_BrewingBlockedByOutstandingChangeRequest(t *testing.T) {
	fc := newFakeForge()
	fc.reviews = []forgeclient.Review{{Reviewer: "alice", State: forgeclient.ReviewChangesRequested}}

	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, readyPR(), time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != NoOp {
		t.Fatalf("Outcome = %v, want NoOp while blocked", res.Outcome)
	}
	if len(fc.createdRefs) != 0 {
		t.Fatalf("no staging ref should have been created: %v", fc.createdRefs)
	}
}

func TestProcess_BrewingDelayedDuringFastTrackWindow(t *testing.T) {
	fc := newFakeForge()
	fc.reviews = []forgeclient.Review{{Reviewer: "alice", State: forgeclient.ReviewApproved}}

	cfg := baseConfig()
	cfg.Approval.VotingDelayMin = time.Hour

	res, err := Process(context.Background(), fc, cfg, &BotIdentity{Login: "bot"}, readyPR(), time.Unix(0, 0).Add(time.Minute))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != Delayed {
		t.Fatalf("Outcome = %v, want Delayed", res.Outcome)
	}
	if res.DelayMs <= 0 {
		t.Fatalf("DelayMs = %d, want positive", res.DelayMs)
	}
}

func TestProcess_BrewingRejectsOverlongCommitMessage(t *testing.T) {
	fc := newFakeForge()
	fc.reviews = []forgeclient.Review{{Reviewer: "alice", State: forgeclient.ReviewApproved}}

	pr := readyPR()
	long := ""
	for i := 0; i < 80; i++ {
		long += "x"
	}
	pr.Title = long

	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != NoOp {
		t.Fatalf("Outcome = %v, want NoOp", res.Outcome)
	}
	if len(fc.added[5]) != 1 || fc.added[5][0] != labels.FailedDescription {
		t.Fatalf("added labels = %v, want [%s]", fc.added[5], labels.FailedDescription)
	}
}

// stagedFixture builds a fake forge with a staging tag already present and
// fresh relative to pull/<n>/merge, ready for the waiting() transitions.
func stagedFixture() (*fakeForge, forgeclient.PullRequest) {
	fc := newFakeForge()
	pr := readyPR()
	fc.refs[stagingTagName(pr.Number)] = "staged-sha"
	fc.commits["staged-sha"] = forgeclient.Commit{TreeSHA: "tree-x"}
	fc.refs["pull/5/merge"] = "merge-sha"
	fc.commits["merge-sha"] = forgeclient.Commit{TreeSHA: "tree-x"}
	fc.combined["staged-sha"] = forgeclient.CombinedStatus{State: "success", Statuses: []forgeclient.CheckStatus{{Context: "ci", State: "success"}}}
	fc.combined[pr.HeadSHA] = forgeclient.CombinedStatus{State: "success"}
	fc.required = []string{"ci"}
	fc.reviews = []forgeclient.Review{{Reviewer: "alice", State: forgeclient.ReviewApproved}}
	return fc, pr
}

func TestProcess_WaitingAdvancesToMergedOnAllChecksGreen(t *testing.T) {
	fc, pr := stagedFixture()
	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != Merged {
		t.Fatalf("Outcome = %v, want Merged", res.Outcome)
	}
	if fc.refs["heads/main"] != "staged-sha" {
		t.Fatalf("base branch not fast-forwarded: %v", fc.refs)
	}
	if !fc.closed[pr.Number] {
		t.Fatalf("PR was not closed on merge")
	}
	if _, exists := fc.refs[stagingTagName(pr.Number)]; exists {
		t.Fatalf("staging tag should be deleted after merge")
	}
}

func TestProcess_WaitingAbortsOnStaleTag(t *testing.T) {
	fc, pr := stagedFixture()
	// Make the tree diverge from pull/<n>/merge: no longer fresh.
	fc.commits["merge-sha"] = forgeclient.Commit{TreeSHA: "tree-y"}

	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != Aborted {
		t.Fatalf("Outcome = %v, want Aborted", res.Outcome)
	}
	if len(fc.added[pr.Number]) != 1 || fc.added[pr.Number][0] != labels.AbandonedStagingChecks {
		t.Fatalf("added labels = %v, want [%s]", fc.added[pr.Number], labels.AbandonedStagingChecks)
	}
	if len(fc.deletedRefs) != 1 || fc.deletedRefs[0] != stagingTagName(pr.Number) {
		t.Fatalf("deletedRefs = %v, want the staging tag deleted", fc.deletedRefs)
	}
}

func TestProcess_WaitingPendingChecksLeavesPRWaiting(t *testing.T) {
	fc, pr := stagedFixture()
	fc.combined["staged-sha"] = forgeclient.CombinedStatus{State: "pending", Statuses: []forgeclient.CheckStatus{{Context: "ci", State: "pending"}}}

	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != NoOp {
		t.Fatalf("Outcome = %v, want NoOp while checks are still pending", res.Outcome)
	}
	if _, exists := fc.refs[stagingTagName(pr.Number)]; !exists {
		t.Fatalf("staging tag should survive a still-pending scan")
	}
}

func TestProcess_WaitingFailedChecksDeletesTagAndLabels(t *testing.T) {
	fc, pr := stagedFixture()
	fc.combined["staged-sha"] = forgeclient.CombinedStatus{State: "failure", Statuses: []forgeclient.CheckStatus{{Context: "ci", State: "failure"}}}

	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != Aborted {
		t.Fatalf("Outcome = %v, want Aborted: a failing combined status disqualifies the staged tag before required-check evaluation", res.Outcome)
	}
}

func TestProcess_WaitingRestrictedUnderStagedRunDoesNotAdvance(t *testing.T) {
	fc, pr := stagedFixture()
	cfg := baseConfig()
	cfg.Mode = ModeStagedRun

	res, err := Process(context.Background(), fc, cfg, &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != NoOp {
		t.Fatalf("Outcome = %v, want NoOp: stagedRun forbids advancing", res.Outcome)
	}
	if fc.refs["heads/main"] == "staged-sha" {
		t.Fatalf("base branch must not be advanced under stagedRun")
	}
}

func TestProcess_WaitingGuardedRunAdvancesOnlyWhenCleared(t *testing.T) {
	fc, pr := stagedFixture()
	cfg := baseConfig()
	cfg.Mode = ModeGuardedRun

	res, err := Process(context.Background(), fc, cfg, &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != NoOp {
		t.Fatalf("Outcome = %v, want NoOp: guardedRun without cleared-for-merge must not advance", res.Outcome)
	}

	fc2, pr2 := stagedFixture()
	pr2.Labels = []string{labels.ClearedForMerge}
	res2, err := Process(context.Background(), fc2, cfg, &BotIdentity{Login: "bot"}, pr2, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res2.Outcome != Merged {
		t.Fatalf("Outcome = %v, want Merged: guardedRun must advance a cleared-for-merge PR", res2.Outcome)
	}
}

func TestProcess_AdvanceAbortsOnDivergedFastForward(t *testing.T) {
	fc, pr := stagedFixture()
	fc.updateRefErr = &forgeclient.Error{Kind: forgeclient.KindUnprocessable, HTTPCode: 422}
	fc.compare = forgeclient.CompareResult{Status: "diverged"}

	res, err := Process(context.Background(), fc, baseConfig(), &BotIdentity{Login: "bot"}, pr, time.Now())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != Aborted {
		t.Fatalf("Outcome = %v, want Aborted on a diverged fast-forward", res.Outcome)
	}
	// waiting() already applied ToPassedStagingChecks before advance() was
	// attempted; both calls compute their add/remove set against the same
	// stale pr.Labels snapshot, so FailedOther shows up alongside it rather
	// than replacing it within this one Process call.
	want := []string{labels.PassedStagingChecks, labels.FailedOther}
	if len(fc.added[pr.Number]) != len(want) {
		t.Fatalf("added labels = %v, want %v", fc.added[pr.Number], want)
	}
	for i, l := range want {
		if fc.added[pr.Number][i] != l {
			t.Fatalf("added labels = %v, want %v", fc.added[pr.Number], want)
		}
	}
}
