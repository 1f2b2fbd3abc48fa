package embed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/issuedex/issuedex/internal/llm"
	"github.com/issuedex/issuedex/internal/store"
	"github.com/issuedex/issuedex/internal/vector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noLimit struct{}

func (noLimit) Reserve(string, int) time.Duration { return 0 }

// fakeProvider embeds deterministically and can reject inputs.
type fakeProvider struct {
	mu sync.Mutex
	// rejectOver rejects any batch larger than this with a
	// reduce-prompt error; 0 disables.
	rejectOver int
	// failText rejects any batch containing this text, regardless of
	// batch size, with a reduce-prompt error.
	failText string
	// errOnce makes the first call fail with a plain error.
	errOnce error
	calls   [][]string
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-embed-001" }

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, texts)

	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, err
	}
	if f.rejectOver > 0 && len(texts) > f.rejectOver {
		return nil, &llm.ReducePromptError{Err: errors.New("please reduce your prompt; or completion length")}
	}
	for _, text := range texts {
		if f.failText != "" && strings.Contains(text, f.failText) {
			return nil, &llm.ReducePromptError{Err: errors.New("please reduce your prompt; or completion length")}
		}
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(len(texts[i])), 1}
	}
	return vecs, nil
}

// fakeStore tracks statuses in memory.
type fakeStore struct {
	mu       sync.Mutex
	issues   map[string]*store.Issue
	statuses map[string]store.EmbeddingStatus
	initDone map[string]store.InitStatus
}

func newFakeStore(issues ...store.Issue) *fakeStore {
	f := &fakeStore{
		issues:   make(map[string]*store.Issue),
		statuses: make(map[string]store.EmbeddingStatus),
		initDone: make(map[string]store.InitStatus),
	}
	for i := range issues {
		is := issues[i]
		f.issues[is.ID] = &is
		f.statuses[is.ID] = store.EmbeddingPending
	}
	return f
}

func (f *fakeStore) pending(repoID string) []store.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Issue
	for id, is := range f.issues {
		if is.RepoID == repoID && f.statuses[id] == store.EmbeddingPending {
			out = append(out, *is)
		}
	}
	return out
}

func (f *fakeStore) SelectRepoIssuesForEmbedding(ctx context.Context, repoID string, limit int) ([]store.Issue, error) {
	out := f.pending(repoID)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) SelectStaleIssues(ctx context.Context, activeModel string, limit int) ([]store.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Issue
	for id, is := range f.issues {
		if f.statuses[id] != store.EmbeddingReady || is.EmbeddingModel != activeModel {
			out = append(out, *is)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkEmbedded(ctx context.Context, ids []string, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.statuses[id] = store.EmbeddingReady
		f.issues[id].EmbeddingModel = model
	}
	return nil
}

func (f *fakeStore) MarkEmbeddingError(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.statuses[id] = store.EmbeddingError
	}
	return nil
}

func (f *fakeStore) RequeueStuckEmbeddings(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) FinishInit(ctx context.Context, repoID string, status store.InitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initDone[repoID] = status
	return nil
}

func (f *fakeStore) status(id string) store.EmbeddingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func makeIssues(repoID string, n int) []store.Issue {
	issues := make([]store.Issue, n)
	for i := range issues {
		issues[i] = store.Issue{
			ID:     fmt.Sprintf("%s-issue-%02d", repoID, i),
			RepoID: repoID,
			Number: i + 1,
			Title:  fmt.Sprintf("issue number %d", i+1),
			Body:   "some body",
			State:  "OPEN",
		}
	}
	return issues
}

func TestRunInit_EmbedsEverything(t *testing.T) {
	issues := makeIssues("r1", 120)
	fs := newFakeStore(issues...)
	idx := vector.NewMemory()
	provider := &fakeProvider{}

	p := New(fs, idx, provider, noLimit{}, Config{BatchSize: 50}, testLogger())
	if err := p.RunInit(context.Background(), "r1"); err != nil {
		t.Fatalf("init embedding failed: %v", err)
	}

	if idx.Len() != 120 {
		t.Fatalf("index has %d points, want 120", idx.Len())
	}
	for _, is := range issues {
		if got := fs.status(is.ID); got != store.EmbeddingReady {
			t.Fatalf("issue %s status = %s, want ready", is.ID, got)
		}
	}
	// 120 issues at batch size 50 is 3 provider calls
	if len(provider.calls) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(provider.calls))
	}
}

func TestRunInit_ProviderFailureMarksRepoError(t *testing.T) {
	fs := newFakeStore(makeIssues("r1", 10)...)
	provider := &fakeProvider{errOnce: errors.New("503 service unavailable")}

	p := New(fs, vector.NewMemory(), provider, noLimit{}, Config{}, testLogger())
	if err := p.RunInit(context.Background(), "r1"); err == nil {
		t.Fatal("expected error from provider failure")
	}
	if got := fs.initDone["r1"]; got != store.InitError {
		t.Fatalf("repo init status = %s, want error", got)
	}
}

func TestEmbedBatch_SplitsOnReducePrompt(t *testing.T) {
	issues := makeIssues("r1", 8)
	fs := newFakeStore(issues...)
	idx := vector.NewMemory()
	// anything over 2 issues per call is "too large"
	provider := &fakeProvider{rejectOver: 2}

	p := New(fs, idx, provider, noLimit{}, Config{BatchSize: 8, Concurrency: 1}, testLogger())
	if err := p.RunInit(context.Background(), "r1"); err != nil {
		t.Fatalf("init embedding failed: %v", err)
	}

	if idx.Len() != 8 {
		t.Fatalf("index has %d points, want 8", idx.Len())
	}
	for _, is := range issues {
		if got := fs.status(is.ID); got != store.EmbeddingReady {
			t.Fatalf("issue %s status = %s after splitting, want ready", is.ID, got)
		}
	}
}

func TestEmbedBatch_SingleOversizedIssueMarkedError(t *testing.T) {
	issues := makeIssues("r1", 4)
	issues[2].Title = "enormous issue"
	fs := newFakeStore(issues...)
	idx := vector.NewMemory()
	provider := &fakeProvider{failText: "enormous issue"}

	p := New(fs, idx, provider, noLimit{}, Config{BatchSize: 4, Concurrency: 1}, testLogger())
	if err := p.RunInit(context.Background(), "r1"); err != nil {
		t.Fatalf("init embedding failed: %v", err)
	}

	// no issue may be left pending: three embedded, one errored
	var ready, errored int
	for _, is := range issues {
		switch fs.status(is.ID) {
		case store.EmbeddingReady:
			ready++
		case store.EmbeddingError:
			errored++
		case store.EmbeddingPending:
			t.Fatalf("issue %s left pending", is.ID)
		}
	}
	if ready != 3 || errored != 1 {
		t.Fatalf("ready = %d errored = %d, want 3 and 1", ready, errored)
	}
	if idx.Len() != 3 {
		t.Fatalf("index has %d points, want 3", idx.Len())
	}
}

func TestRunCron_PicksUpSupersededModel(t *testing.T) {
	issues := makeIssues("r1", 2)
	fs := newFakeStore(issues...)
	// pretend both were embedded under an old model
	fs.MarkEmbedded(context.Background(), []string{issues[0].ID, issues[1].ID}, "fake-embed-000")

	idx := vector.NewMemory()
	provider := &fakeProvider{}
	p := New(fs, idx, provider, noLimit{}, Config{}, testLogger())
	if err := p.RunCron(context.Background()); err != nil {
		t.Fatalf("cron embedding failed: %v", err)
	}

	for _, is := range issues {
		fs.mu.Lock()
		model := fs.issues[is.ID].EmbeddingModel
		fs.mu.Unlock()
		if model != provider.Model() {
			t.Fatalf("issue %s still on model %s", is.ID, model)
		}
	}
}

func TestFormatIssue(t *testing.T) {
	closed := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	issue := &store.Issue{
		Number:      77,
		Title:       "connection reset under load",
		Body:        "happens every few minutes",
		Author:      "octocat",
		State:       "CLOSED",
		StateReason: "COMPLETED",
		Labels: []store.Label{
			{Name: "bug", Description: "Something is broken"},
			{Name: "net"},
		},
		IssueCreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		IssueClosedAt:  &closed,
	}

	got := FormatIssue(issue)
	for _, want := range []string{
		"Issue #77: connection reset under load",
		"Body: happens every few minutes",
		"Labels: bug (Something is broken), net",
		"State: CLOSED",
		"State Reason: COMPLETED",
		"Author: octocat",
		"Created At: 2025-03-01T09:00:00Z",
		"Closed At: 2025-03-02T10:00:00Z",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted issue missing %q:\n%s", want, got)
		}
	}
}

func TestFormatIssue_OmitsEmptySections(t *testing.T) {
	issue := &store.Issue{Number: 1, Title: "t", Body: "b", State: "OPEN"}
	got := FormatIssue(issue)
	for _, absent := range []string{"Labels:", "State Reason:", "Author:", "Closed At:"} {
		if strings.Contains(got, absent) {
			t.Fatalf("formatted issue should omit %q when empty:\n%s", absent, got)
		}
	}
}
