package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/issuedex/issuedex/internal/github"
	"github.com/issuedex/issuedex/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noLimit struct{}

func (noLimit) Reserve(string, int) time.Duration { return 0 }

// fakeStore keeps everything in memory and mimics the status
// transitions the real store enforces.
type fakeStore struct {
	mu     sync.Mutex
	repos  map[string]*store.Repo
	issues map[string]map[string]store.Issue // repoID -> nodeID -> issue

	finishCalls []store.InitStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:  make(map[string]*store.Repo),
		issues: make(map[string]map[string]store.Issue),
	}
}

func (f *fakeStore) addRepo(id, owner, name string, init store.InitStatus, syncStatus store.SyncStatus) *store.Repo {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &store.Repo{ID: id, Owner: owner, Name: name, InitStatus: init, SyncStatus: syncStatus}
	f.repos[id] = r
	f.issues[id] = make(map[string]store.Issue)
	return r
}

func (f *fakeStore) ClaimInit(ctx context.Context, repoID string) (*store.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[repoID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.InitStatus != store.InitPending && r.InitStatus != store.InitError {
		return nil, store.ErrNotClaimable
	}
	r.InitStatus = store.InitInProgress
	cp := *r
	return &cp, nil
}

func (f *fakeStore) FinishInit(ctx context.Context, repoID string, status store.InitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[repoID].InitStatus = status
	f.finishCalls = append(f.finishCalls, status)
	return nil
}

func (f *fakeStore) UpsertPage(ctx context.Context, repoID string, issues []store.Issue, cursor store.SyncCursor) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, is := range issues {
		f.issues[repoID][is.NodeID] = is
		ids = append(ids, is.NodeID)
	}
	c := cursor
	f.repos[repoID].SyncCursor = &c
	return ids, nil
}

func (f *fakeStore) CountRepoIssues(ctx context.Context, repoID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues[repoID]), nil
}

func (f *fakeStore) EnqueueForSync(ctx context.Context, staleAfter time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.repos {
		if r.InitStatus == store.InitCompleted &&
			(r.SyncStatus == store.SyncReady || r.SyncStatus == store.SyncError) {
			r.SyncStatus = store.SyncQueued
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClaimNextQueued(ctx context.Context) (*store.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.SyncStatus == store.SyncQueued {
			r.SyncStatus = store.SyncInProgress
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotClaimable
}

func (f *fakeStore) ReleaseSync(ctx context.Context, repoID string, status store.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repos[repoID]
	r.SyncStatus = status
	if status == store.SyncReady {
		now := time.Now()
		r.LastSyncedAt = &now
	}
	return nil
}

func (f *fakeStore) UnstickRepos(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) syncStatus(repoID string) store.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[repoID].SyncStatus
}

func (f *fakeStore) issueCount(repoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues[repoID])
}

// scriptedFetcher serves a fixed sequence of pages and can be told to
// fail on a specific call.
type scriptedFetcher struct {
	mu     sync.Mutex
	pages  map[string][]*github.IssuePage // key "after" cursor, "" for first
	calls  int
	failOn int // fail the nth call (1-based), 0 disables

	// failFrom fails every call from the nth onward, 0 disables.
	failFrom int
}

func (s *scriptedFetcher) FetchPage(ctx context.Context, owner, name string, since *time.Time, after *string, pageSize int) (*github.IssuePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn > 0 && s.calls == s.failOn {
		return nil, &github.FetchError{Owner: owner, Name: name, Err: errors.New("boom")}
	}
	if s.failFrom > 0 && s.calls >= s.failFrom {
		return nil, &github.FetchError{Owner: owner, Name: name, Err: errors.New("boom")}
	}
	key := ""
	if after != nil {
		key = *after
	}
	pages := s.pages[key]
	if len(pages) == 0 {
		return &github.IssuePage{PageSize: pageSize}, nil
	}
	page := pages[0]
	page.PageSize = pageSize
	return page, nil
}

func issueAt(nodeID string, updated time.Time) store.Issue {
	return store.Issue{
		NodeID:         nodeID,
		Title:          "issue " + nodeID,
		State:          "OPEN",
		IssueUpdatedAt: updated,
	}
}

func threeIssueFetcher(t0 time.Time) *scriptedFetcher {
	return &scriptedFetcher{pages: map[string][]*github.IssuePage{
		"": {{
			Issues:      []store.Issue{issueAt("I_1", t0), issueAt("I_2", t0.Add(time.Minute))},
			HasNextPage: true,
			EndCursor:   "cur1",
		}},
		"cur1": {{
			Issues: []store.Issue{issueAt("I_3", t0.Add(2 * time.Minute))},
		}},
	}}
}

func TestRunInitSync_CompletesOverMultiplePages(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitPending, store.SyncReady)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := threeIssueFetcher(t0)

	svc := New(fs, fetcher, noLimit{}, DefaultConfig(), testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err != nil {
		t.Fatalf("init sync failed: %v", err)
	}

	if got := fs.repos["r1"].InitStatus; got != store.InitCompleted {
		t.Fatalf("init status = %s, want completed", got)
	}
	if n := fs.issueCount("r1"); n != 3 {
		t.Fatalf("issue count = %d, want 3", n)
	}
	cursor := fs.repos["r1"].SyncCursor
	if cursor == nil || cursor.Since == nil {
		t.Fatal("watermark not advanced after full traversal")
	}
	if !cursor.Since.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("watermark = %v, want %v", cursor.Since, t0.Add(2*time.Minute))
	}
	if cursor.After != nil {
		t.Fatalf("page cursor should be cleared, got %q", *cursor.After)
	}
}

func TestRunInitSync_EmptyRepoGetsNoIssues(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "octocat", "empty", store.InitPending, store.SyncReady)
	fetcher := &scriptedFetcher{pages: map[string][]*github.IssuePage{}}

	svc := New(fs, fetcher, noLimit{}, DefaultConfig(), testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err != nil {
		t.Fatalf("init sync failed: %v", err)
	}
	if got := fs.repos["r1"].InitStatus; got != store.InitNoIssues {
		t.Fatalf("init status = %s, want no_issues", got)
	}
}

func TestRunInitSync_AlreadyClaimedIsSkipped(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitInProgress, store.SyncReady)
	fetcher := &scriptedFetcher{}

	svc := New(fs, fetcher, noLimit{}, DefaultConfig(), testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("fetcher called %d times for a claimed repo", fetcher.calls)
	}
}

func TestRunInitSync_FailureMarksErrorAndResumes(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitPending, store.SyncReady)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// first run dies fetching the second page, after page one committed
	fetcher := threeIssueFetcher(t0)
	fetcher.failOn = 2
	cfg := DefaultConfig()
	cfg.PageRetries = 0 // no retry budget, the blip must surface
	svc := New(fs, fetcher, noLimit{}, cfg, testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err == nil {
		t.Fatal("expected error from failed fetch")
	}
	if got := fs.repos["r1"].InitStatus; got != store.InitError {
		t.Fatalf("init status after crash = %s, want error", got)
	}
	if n := fs.issueCount("r1"); n != 2 {
		t.Fatalf("first page should be durable, have %d issues", n)
	}
	cursor := fs.repos["r1"].SyncCursor
	if cursor == nil || cursor.After == nil || *cursor.After != "cur1" {
		t.Fatalf("cursor should point at page two, got %+v", cursor)
	}

	// second run resumes from the checkpoint and finishes
	fetcher.failOn = 0
	if err := svc.RunInitSync(context.Background(), "r1"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := fs.repos["r1"].InitStatus; got != store.InitCompleted {
		t.Fatalf("init status after resume = %s, want completed", got)
	}
	if n := fs.issueCount("r1"); n != 3 {
		t.Fatalf("resumed run should end with 3 issues, have %d", n)
	}
}

// countErrStore fails the post-walk issue count so the release path
// after a successful page traversal can be exercised.
type countErrStore struct {
	*fakeStore
}

func (c *countErrStore) CountRepoIssues(ctx context.Context, repoID string) (int, error) {
	return 0, errors.New("count unavailable")
}

func TestRunInitSync_CountFailureReleasesClaim(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitPending, store.SyncReady)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	svc := New(&countErrStore{fs}, threeIssueFetcher(t0), noLimit{}, DefaultConfig(), testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err == nil {
		t.Fatal("expected error from failed count")
	}
	if got := fs.repos["r1"].InitStatus; got != store.InitError {
		t.Fatalf("init status after count failure = %s, want error (never left in_progress)", got)
	}
}

func TestRunCronSync_DrainsQueueAndReleases(t *testing.T) {
	fs := newFakeStore()
	for i := 0; i < 5; i++ {
		fs.addRepo(fmt.Sprintf("r%d", i), "owner", fmt.Sprintf("repo%d", i),
			store.InitCompleted, store.SyncReady)
	}
	fetcher := &scriptedFetcher{pages: map[string][]*github.IssuePage{}}

	svc := New(fs, fetcher, noLimit{}, DefaultConfig(), testLogger())
	if err := svc.RunCronSync(context.Background()); err != nil {
		t.Fatalf("cron sync failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		if got := fs.syncStatus(id); got != store.SyncReady {
			t.Fatalf("%s status = %s, want ready", id, got)
		}
		if fs.repos[id].LastSyncedAt == nil {
			t.Fatalf("%s last_synced_at not set", id)
		}
	}
	if fetcher.calls != 5 {
		t.Fatalf("fetcher calls = %d, want one per repo", fetcher.calls)
	}
}

func TestRunCronSync_FailedRepoDoesNotStopOthers(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r0", "owner", "repo0", store.InitCompleted, store.SyncReady)
	fs.addRepo("r1", "owner", "repo1", store.InitCompleted, store.SyncReady)
	fetcher := &scriptedFetcher{pages: map[string][]*github.IssuePage{}, failOn: 1}

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.PageRetries = 0
	svc := New(fs, fetcher, noLimit{}, cfg, testLogger())
	if err := svc.RunCronSync(context.Background()); err != nil {
		t.Fatalf("cron sync should swallow per-repo failures: %v", err)
	}

	var ready, errored int
	for _, id := range []string{"r0", "r1"} {
		switch fs.syncStatus(id) {
		case store.SyncReady:
			ready++
		case store.SyncError:
			errored++
		case store.SyncInProgress:
			t.Fatalf("%s left in_progress", id)
		}
	}
	if ready != 1 || errored != 1 {
		t.Fatalf("ready = %d errored = %d, want 1 and 1", ready, errored)
	}
}

func TestRunCronSync_NothingQueued(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "owner", "repo", store.InitPending, store.SyncReady)
	fetcher := &scriptedFetcher{}

	svc := New(fs, fetcher, noLimit{}, DefaultConfig(), testLogger())
	if err := svc.RunCronSync(context.Background()); err != nil {
		t.Fatalf("cron sync failed: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("no repos should be synced before init completes, got %d calls", fetcher.calls)
	}
}

func TestSyncRepo_RetriesTransientPageFailure(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitPending, store.SyncReady)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// page two fails once, the retry gets it
	fetcher := threeIssueFetcher(t0)
	fetcher.failOn = 2
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond

	svc := New(fs, fetcher, noLimit{}, cfg, testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err != nil {
		t.Fatalf("transient failure should be retried, got %v", err)
	}
	if got := fs.repos["r1"].InitStatus; got != store.InitCompleted {
		t.Fatalf("init status = %s, want completed", got)
	}
	if n := fs.issueCount("r1"); n != 3 {
		t.Fatalf("issue count = %d, want 3", n)
	}
	if fetcher.calls != 3 {
		t.Fatalf("fetcher called %d times, want 3 (two pages plus one retry)", fetcher.calls)
	}
}

func TestSyncRepo_RetryBudgetExhausts(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitPending, store.SyncReady)

	fetcher := &scriptedFetcher{failFrom: 1}
	cfg := DefaultConfig()
	cfg.PageRetries = 2
	cfg.RetryDelay = time.Millisecond

	svc := New(fs, fetcher, noLimit{}, cfg, testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err == nil {
		t.Fatal("expected error once the retry budget is spent")
	}
	if got := fs.repos["r1"].InitStatus; got != store.InitError {
		t.Fatalf("init status = %s, want error", got)
	}
	if fetcher.calls != 3 {
		t.Fatalf("fetcher called %d times, want 3 (initial attempt plus 2 retries)", fetcher.calls)
	}
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLimiter) Reserve(name string, rpm int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0
}

func TestSyncRepo_ConsultsLimiterPerPage(t *testing.T) {
	fs := newFakeStore()
	fs.addRepo("r1", "golang", "go", store.InitPending, store.SyncReady)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := &countingLimiter{}

	svc := New(fs, threeIssueFetcher(t0), limiter, DefaultConfig(), testLogger())
	if err := svc.RunInitSync(context.Background(), "r1"); err != nil {
		t.Fatalf("init sync failed: %v", err)
	}
	if limiter.calls != 2 {
		t.Fatalf("limiter consulted %d times, want once per page (2)", limiter.calls)
	}
}
