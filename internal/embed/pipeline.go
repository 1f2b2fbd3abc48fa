// Package embed turns stored issues into vectors. It batches issues
// through an embedding provider, adapts batch size when the provider
// rejects oversized input, and keeps issue embedding statuses honest.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issuedex/issuedex/internal/llm"
	"github.com/issuedex/issuedex/internal/observability"
	"github.com/issuedex/issuedex/internal/ratelimit"
	"github.com/issuedex/issuedex/internal/store"
	"github.com/issuedex/issuedex/internal/vector"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	SelectRepoIssuesForEmbedding(ctx context.Context, repoID string, limit int) ([]store.Issue, error)
	SelectStaleIssues(ctx context.Context, activeModel string, limit int) ([]store.Issue, error)
	MarkEmbedded(ctx context.Context, ids []string, model string) error
	MarkEmbeddingError(ctx context.Context, ids []string) error
	RequeueStuckEmbeddings(ctx context.Context, staleAfter time.Duration) (int, error)
	FinishInit(ctx context.Context, repoID string, status store.InitStatus) error
}

// Limiter hands out request slots for a named bucket.
type Limiter interface {
	Reserve(name string, requestsPerMinute int) time.Duration
}

const rateBucket = "embeddings"

// Config tunes the pipeline.
type Config struct {
	// BatchSize is how many issues go to the provider per request.
	BatchSize int

	// Concurrency bounds in-flight provider requests.
	Concurrency int

	// RequestsPerMinute caps provider calls across all batches.
	RequestsPerMinute int

	// CronLimit bounds how many stale issues one cron pass picks up.
	CronLimit int

	// StuckAfter is how long an issue may sit pending or errored
	// before the cron pass retries it.
	StuckAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		Concurrency:       3,
		RequestsPerMinute: 300,
		CronLimit:         1000,
		StuckAfter:        time.Hour,
	}
}

// Pipeline embeds issues and writes their vectors to the index.
type Pipeline struct {
	store    Store
	index    vector.Index
	provider llm.Provider
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
}

// New creates an embedding pipeline.
func New(st Store, index vector.Index, provider llm.Provider, limiter Limiter, cfg Config, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CronLimit <= 0 {
		cfg.CronLimit = def.CronLimit
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	return &Pipeline{store: st, index: index, provider: provider, limiter: limiter, cfg: cfg, logger: logger}
}

// RunInit embeds everything pending for a freshly loaded repository.
// A failure flips the repository back to init error so the issues are
// not searchable until a later run succeeds.
func (p *Pipeline) RunInit(ctx context.Context, repoID string) error {
	for {
		issues, err := p.store.SelectRepoIssuesForEmbedding(ctx, repoID, p.cfg.CronLimit)
		if err != nil {
			return fmt.Errorf("select pending issues: %w", err)
		}
		if len(issues) == 0 {
			return nil
		}
		if err := p.run(ctx, issues); err != nil {
			if ferr := p.store.FinishInit(ctx, repoID, store.InitError); ferr != nil {
				p.logger.Error("mark repo init error", "repo_id", repoID, "error", ferr)
			}
			return fmt.Errorf("init embedding for repo %s: %w", repoID, err)
		}
	}
}

// RunCron retries stuck issues, then embeds whatever is stale: pending
// issues, errored issues past the retry threshold, and issues whose
// vector was generated under a superseded model.
func (p *Pipeline) RunCron(ctx context.Context) error {
	if n, err := p.store.RequeueStuckEmbeddings(ctx, p.cfg.StuckAfter); err != nil {
		p.logger.Error("requeue stuck embeddings", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued stuck embeddings", "count", n)
	}

	issues, err := p.store.SelectStaleIssues(ctx, p.provider.Model(), p.cfg.CronLimit)
	if err != nil {
		return fmt.Errorf("select stale issues: %w", err)
	}
	if len(issues) == 0 {
		return nil
	}
	p.logger.Info("embedding pass starting", "issues", len(issues), "model", p.provider.Model())
	return p.run(ctx, issues)
}

// run fans issues out in batches with bounded concurrency. Batches
// that fail are marked errored and reported; healthy batches are not
// held back by a failing one.
func (p *Pipeline) run(ctx context.Context, issues []store.Issue) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var mu sync.Mutex
	var firstErr error
	for start := 0; start < len(issues); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(issues) {
			end = len(issues)
		}
		batch := issues[start:end]
		g.Go(func() error {
			if err := p.embedBatch(ctx, batch); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return firstErr
}

// embedBatch embeds one batch. When the provider says the input is too
// large the batch is split in half and each half retried, down to a
// single issue, which is then marked errored rather than retried
// forever.
func (p *Pipeline) embedBatch(ctx context.Context, batch []store.Issue) error {
	if len(batch) == 0 {
		return nil
	}
	if err := p.waitForSlot(ctx); err != nil {
		return err
	}

	start := time.Now()
	ctx, span := observability.StartEmbedSpan(ctx, p.provider.Name(), p.provider.Model(), len(batch))
	defer span.End()

	texts := make([]string, len(batch))
	ids := make([]string, len(batch))
	for i := range batch {
		texts[i] = FormatIssue(&batch[i])
		ids[i] = batch[i].ID
	}

	vecs, err := p.provider.Embed(ctx, texts)
	if err != nil {
		if llm.IsReducePrompt(err) {
			if len(batch) == 1 {
				observability.RecordError(span, err)
				observability.Audit().LogEmbedError(ctx, p.provider.Model(), 1, err)
				p.logger.Warn("issue too large to embed", "issue_id", ids[0])
				return p.store.MarkEmbeddingError(ctx, ids)
			}
			mid := len(batch) / 2
			if serr := p.embedBatch(ctx, batch[:mid]); serr != nil {
				return serr
			}
			return p.embedBatch(ctx, batch[mid:])
		}
		observability.RecordError(span, err)
		observability.Metrics().RecordEmbedBatch(time.Since(start), len(batch), err)
		observability.Audit().LogEmbedError(ctx, p.provider.Model(), len(batch), err)
		if merr := p.store.MarkEmbeddingError(ctx, ids); merr != nil {
			p.logger.Error("mark embedding error", "error", merr)
		}
		return fmt.Errorf("embed batch of %d: %w", len(batch), err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embed batch: got %d vectors for %d issues", len(vecs), len(batch))
	}

	points := make([]vector.Point, len(batch))
	for i := range batch {
		points[i] = vector.Point{
			IssueID: batch[i].ID,
			RepoID:  batch[i].RepoID,
			Vector:  vecs[i],
		}
	}
	if err := p.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	if err := p.store.MarkEmbedded(ctx, ids, p.provider.Model()); err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}

	observability.Metrics().RecordEmbedBatch(time.Since(start), len(batch), nil)
	observability.Audit().LogEmbedBatch(ctx, p.provider.Model(), len(batch), time.Since(start))
	return nil
}

func (p *Pipeline) waitForSlot(ctx context.Context) error {
	for {
		wait := p.limiter.Reserve(rateBucket, p.cfg.RequestsPerMinute)
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// FormatIssue renders an issue as the text handed to the embedding
// model. Metadata fields are included so searches mentioning state or
// author still land near the right issues.
func FormatIssue(issue *store.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n", issue.Number, issue.Title)
	fmt.Fprintf(&b, "Body: %s\n", issue.Body)
	if len(issue.Labels) > 0 {
		names := make([]string, len(issue.Labels))
		for i, l := range issue.Labels {
			if l.Description != "" {
				names[i] = fmt.Sprintf("%s (%s)", l.Name, l.Description)
			} else {
				names[i] = l.Name
			}
		}
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "State: %s\n", issue.State)
	if issue.StateReason != "" {
		fmt.Fprintf(&b, "State Reason: %s\n", issue.StateReason)
	}
	if issue.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", issue.Author)
	}
	fmt.Fprintf(&b, "Created At: %s\n", issue.IssueCreatedAt.Format(time.RFC3339))
	if issue.IssueClosedAt != nil {
		fmt.Fprintf(&b, "Closed At: %s\n", issue.IssueClosedAt.Format(time.RFC3339))
	}
	return b.String()
}
