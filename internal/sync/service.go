// Package sync drives repository ingestion: the one-time initial load
// of a newly subscribed repository and the recurring incremental sync
// of everything already loaded.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issuedex/issuedex/internal/github"
	"github.com/issuedex/issuedex/internal/observability"
	"github.com/issuedex/issuedex/internal/store"
)

// Fetcher retrieves pages of issues from GitHub.
type Fetcher interface {
	FetchPage(ctx context.Context, owner, name string, since *time.Time, after *string, pageSize int) (*github.IssuePage, error)
}

// Store is the persistence surface the service needs.
type Store interface {
	ClaimInit(ctx context.Context, repoID string) (*store.Repo, error)
	FinishInit(ctx context.Context, repoID string, status store.InitStatus) error
	UpsertPage(ctx context.Context, repoID string, issues []store.Issue, cursor store.SyncCursor) ([]string, error)
	CountRepoIssues(ctx context.Context, repoID string) (int, error)
	EnqueueForSync(ctx context.Context, staleAfter time.Duration) (int, error)
	ClaimNextQueued(ctx context.Context) (*store.Repo, error)
	ReleaseSync(ctx context.Context, repoID string, status store.SyncStatus) error
	UnstickRepos(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Limiter hands out request slots for a named bucket. A zero return
// means go now, otherwise wait that long and ask again.
type Limiter interface {
	Reserve(name string, requestsPerMinute int) time.Duration
}

const rateBucket = "github"

// Config tunes the sync service.
type Config struct {
	// Workers is the number of repositories synced concurrently.
	Workers int

	// PageSize is the issues-per-page to start each repository with.
	PageSize int

	// RequestsPerMinute caps GitHub API calls across all workers.
	RequestsPerMinute int

	// PageRetries is how many times a failed page fetch is retried
	// before the repository's sync run fails.
	PageRetries int

	// RetryDelay is the initial backoff between page retries. It
	// doubles on every attempt.
	RetryDelay time.Duration

	// StaleAfter is how old a repository's last sync must be before
	// the cron pass re-enqueues it.
	StaleAfter time.Duration

	// UnstickAfter is how long a repository may stay in_progress
	// before it is presumed abandoned and reset.
	UnstickAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		PageSize:          github.DefaultPageSize,
		RequestsPerMinute: 60,
		PageRetries:       3,
		RetryDelay:        2 * time.Second,
		StaleAfter:        20 * time.Minute,
		UnstickAfter:      time.Hour,
	}
}

// Service coordinates initial loads and incremental syncs.
type Service struct {
	store   Store
	fetcher Fetcher
	limiter Limiter
	cfg     Config
	logger  *slog.Logger
}

// New creates a sync service.
func New(st Store, fetcher Fetcher, limiter Limiter, cfg Config, logger *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = github.DefaultPageSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.UnstickAfter <= 0 {
		cfg.UnstickAfter = DefaultConfig().UnstickAfter
	}
	if cfg.PageRetries < 0 {
		cfg.PageRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Service{store: st, fetcher: fetcher, limiter: limiter, cfg: cfg, logger: logger}
}

// RunInitSync performs the one-time initial load for a repository. It
// is safe to call again after a failure: ingestion resumes from the
// persisted cursor. A repository another worker already holds is
// skipped without error.
func (s *Service) RunInitSync(ctx context.Context, repoID string) error {
	repo, err := s.store.ClaimInit(ctx, repoID)
	if errors.Is(err, store.ErrNotClaimable) {
		s.logger.Info("init sync not claimable", "repo_id", repoID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim init: %w", err)
	}

	observability.Audit().LogSyncStart(ctx, repo.FullName(), true)
	start := time.Now()
	ctx, span := observability.StartSyncSpan(ctx, repo.FullName(), true)
	defer span.End()

	pages, issues, err := s.syncRepo(ctx, repo)
	observability.RecordSyncResult(span, pages, issues)
	observability.Metrics().RecordSyncRun(time.Since(start), pages, issues, err)
	if err != nil {
		observability.RecordError(span, err)
		observability.Audit().LogSyncError(ctx, repo.FullName(), err)
		if ferr := s.store.FinishInit(ctx, repoID, store.InitError); ferr != nil {
			s.logger.Error("release failed init", "repo", repo.FullName(), "error", ferr)
		}
		return fmt.Errorf("init sync %s: %w", repo.FullName(), err)
	}

	status := store.InitCompleted
	total, err := s.store.CountRepoIssues(ctx, repoID)
	if err != nil {
		// The claim must be released even when the final count fails,
		// otherwise the repository stays in_progress until UnstickRepos.
		if ferr := s.store.FinishInit(ctx, repoID, store.InitError); ferr != nil {
			s.logger.Error("release failed init", "repo", repo.FullName(), "error", ferr)
		}
		return fmt.Errorf("count issues: %w", err)
	}
	if total == 0 {
		status = store.InitNoIssues
	}
	if err := s.store.FinishInit(ctx, repoID, status); err != nil {
		if ferr := s.store.FinishInit(ctx, repoID, store.InitError); ferr != nil {
			s.logger.Error("release failed init", "repo", repo.FullName(), "error", ferr)
		}
		return fmt.Errorf("finish init: %w", err)
	}

	observability.Audit().LogSyncComplete(ctx, repo.FullName(), time.Since(start), pages, issues)
	s.logger.Info("init sync finished",
		"repo", repo.FullName(), "status", status, "pages", pages, "issues", issues)
	return nil
}

// RunCronSync resets abandoned repositories, enqueues stale ones, and
// drains the queue with a bounded pool of workers. Each worker claims
// its next repository only after finishing the previous one, so a slow
// repository never starves the rest of the queue.
func (s *Service) RunCronSync(ctx context.Context) error {
	if n, err := s.store.UnstickRepos(ctx, s.cfg.UnstickAfter); err != nil {
		s.logger.Error("unstick repos", "error", err)
	} else if n > 0 {
		s.logger.Warn("reset abandoned repos", "count", n)
	}

	queued, err := s.store.EnqueueForSync(ctx, s.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("enqueue for sync: %w", err)
	}
	if queued == 0 {
		return nil
	}
	s.logger.Info("sync pass starting", "queued", queued, "workers", s.cfg.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			observability.Metrics().ActiveWorkers.Inc()
			defer observability.Metrics().ActiveWorkers.Dec()
			return s.drainQueue(ctx)
		})
	}
	return g.Wait()
}

func (s *Service) drainQueue(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		repo, err := s.store.ClaimNextQueued(ctx)
		if errors.Is(err, store.ErrNotClaimable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim queued repo: %w", err)
		}
		if err := s.syncClaimed(ctx, repo); err != nil {
			// the repo is already marked, keep draining
			s.logger.Error("sync failed", "repo", repo.FullName(), "error", err)
		}
	}
}

// syncClaimed runs one incremental sync and always releases the claim,
// as ready on success or error on failure.
func (s *Service) syncClaimed(ctx context.Context, repo *store.Repo) error {
	observability.Audit().LogSyncStart(ctx, repo.FullName(), false)
	start := time.Now()
	ctx, span := observability.StartSyncSpan(ctx, repo.FullName(), false)
	defer span.End()

	pages, issues, err := s.syncRepo(ctx, repo)
	observability.RecordSyncResult(span, pages, issues)
	observability.Metrics().RecordSyncRun(time.Since(start), pages, issues, err)
	if err != nil {
		observability.RecordError(span, err)
		observability.Audit().LogSyncError(ctx, repo.FullName(), err)
		if rerr := s.store.ReleaseSync(ctx, repo.ID, store.SyncError); rerr != nil {
			s.logger.Error("release failed sync", "repo", repo.FullName(), "error", rerr)
		}
		return err
	}
	if err := s.store.ReleaseSync(ctx, repo.ID, store.SyncReady); err != nil {
		return fmt.Errorf("release sync: %w", err)
	}
	observability.Audit().LogSyncComplete(ctx, repo.FullName(), time.Since(start), pages, issues)
	return nil
}

// syncRepo walks pages from the repository's persisted cursor until
// GitHub reports no more. Every page is committed together with the
// cursor that supersedes it, so a crash at any point resumes without
// losing or double-counting work. The updated-at watermark only
// advances once a traversal finishes; pages arrive in ascending
// updated-at order so the last page carries the new watermark.
func (s *Service) syncRepo(ctx context.Context, repo *store.Repo) (pages, issues int, err error) {
	var since *time.Time
	var after *string
	if repo.SyncCursor != nil {
		since = repo.SyncCursor.Since
		after = repo.SyncCursor.After
	}
	pageSize := s.cfg.PageSize

	for {
		if err := s.waitForSlot(ctx); err != nil {
			return pages, issues, err
		}

		fetchCtx, fetchSpan := observability.StartFetchSpan(ctx, repo.FullName(), pageSize)
		page, err := s.fetchPage(fetchCtx, repo, since, after, pageSize)
		if err != nil {
			observability.RecordError(fetchSpan, err)
			fetchSpan.End()
			return pages, issues, err
		}
		fetchSpan.End()
		pageSize = page.PageSize

		cursor := store.SyncCursor{Since: since}
		if page.HasNextPage {
			c := page.EndCursor
			cursor.After = &c
		} else if n := len(page.Issues); n > 0 {
			t := page.Issues[n-1].IssueUpdatedAt
			cursor.Since = &t
		}

		if _, err := s.store.UpsertPage(ctx, repo.ID, page.Issues, cursor); err != nil {
			return pages, issues, err
		}
		pages++
		issues += len(page.Issues)
		observability.Audit().LogSyncPage(ctx, repo.FullName(), len(page.Issues), pageSize)

		if !page.HasNextPage {
			return pages, issues, nil
		}
		after = &page.EndCursor
	}
}

// fetchPage fetches one page, retrying transient failures with
// doubling backoff up to the configured budget. Every retry takes a
// fresh rate-limiter slot before hitting the API again.
func (s *Service) fetchPage(ctx context.Context, repo *store.Repo, since *time.Time, after *string, pageSize int) (*github.IssuePage, error) {
	var lastErr error
	delay := s.cfg.RetryDelay
	for attempt := 0; attempt <= s.cfg.PageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if err := s.waitForSlot(ctx); err != nil {
				return nil, err
			}
			s.logger.Warn("retrying page fetch",
				"repo", repo.FullName(), "attempt", attempt, "error", lastErr)
		}
		page, err := s.fetcher.FetchPage(ctx, repo.Owner, repo.Name, since, after, pageSize)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("page retries (%d) exhausted: %w", s.cfg.PageRetries, lastErr)
}

// waitForSlot blocks until the rate limiter grants a request.
func (s *Service) waitForSlot(ctx context.Context) error {
	for {
		wait := s.limiter.Reserve(rateBucket, s.cfg.RequestsPerMinute)
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
