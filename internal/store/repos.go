package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const repoColumns = `id, owner, name, init_status, sync_status, sync_cursor,
	issues_last_updated_at, last_synced_at, created_at, updated_at`

func scanRepo(row pgx.Row) (*Repo, error) {
	var r Repo
	var cursor []byte
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.InitStatus, &r.SyncStatus,
		&cursor, &r.IssuesLastUpdatedAt, &r.LastSyncedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}
	if len(cursor) > 0 {
		var sc SyncCursor
		if err := json.Unmarshal(cursor, &sc); err != nil {
			return nil, fmt.Errorf("decode sync cursor: %w", err)
		}
		r.SyncCursor = &sc
	}
	return &r, nil
}

// SubscribeRepo registers a repository, creating the row in init.pending
// on first subscription. Re-subscribing is idempotent and returns the
// existing row untouched.
func (s *Store) SubscribeRepo(ctx context.Context, owner, name string) (*Repo, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO repos (owner, name)
		VALUES ($1, $2)
		ON CONFLICT (owner, name) DO UPDATE SET updated_at = now()
		RETURNING `+repoColumns,
		owner, name)
	return scanRepo(row)
}

// GetRepo fetches one repository by id.
func (s *Store) GetRepo(ctx context.Context, repoID string) (*Repo, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+repoColumns+` FROM repos WHERE id = $1`, repoID)
	return scanRepo(row)
}

// ClaimInit moves a repository into init.in_progress. It fails with
// ErrNotClaimable unless the repository is pending or in error, which
// keeps initial loads mutually exclusive per repository.
func (s *Store) ClaimInit(ctx context.Context, repoID string) (*Repo, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE repos SET init_status = 'in_progress', updated_at = now()
		WHERE id = $1 AND init_status IN ('pending', 'error')
		RETURNING `+repoColumns,
		repoID)
	repo, err := scanRepo(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotClaimable
	}
	return repo, err
}

// FinishInit records the terminal state of an initial load.
func (s *Store) FinishInit(ctx context.Context, repoID string, status InitStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE repos SET init_status = $2, updated_at = now()
		WHERE id = $1`,
		repoID, status)
	if err != nil {
		return fmt.Errorf("finish init: %w", err)
	}
	return nil
}

// EnqueueForSync flips ready repositories whose last sync is older than
// staleAfter to queued. Only initialized repositories are eligible.
func (s *Store) EnqueueForSync(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE repos SET sync_status = 'queued', updated_at = now()
		WHERE init_status = 'completed'
		  AND sync_status IN ('ready', 'error')
		  AND (last_synced_at IS NULL OR last_synced_at < now() - $1::interval)`,
		fmt.Sprintf("%f seconds", staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("enqueue for sync: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimNextQueued atomically picks the queued repository with the oldest
// last_synced_at (nulls first, so new repositories are not starved) and
// marks it sync.in_progress. Returns ErrNotFound when the queue is empty.
// SKIP LOCKED keeps concurrent workers from claiming the same repository.
func (s *Store) ClaimNextQueued(ctx context.Context) (*Repo, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+repoColumns+` FROM repos
		WHERE init_status = 'completed' AND sync_status = 'queued'
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	repo, err := scanRepo(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE repos SET sync_status = 'in_progress', updated_at = now()
		WHERE id = $1`,
		repo.ID); err != nil {
		return nil, fmt.Errorf("mark in_progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	repo.SyncStatus = SyncInProgress
	return repo, nil
}

// ReleaseSync moves a repository out of sync.in_progress. On success the
// last-synced timestamp advances; on error it is left alone so the
// repository keeps its place at the front of the queue.
func (s *Store) ReleaseSync(ctx context.Context, repoID string, status SyncStatus) error {
	var err error
	if status == SyncReady {
		_, err = s.pool.Exec(ctx, `
			UPDATE repos SET sync_status = $2, last_synced_at = now(), updated_at = now()
			WHERE id = $1`, repoID, status)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE repos SET sync_status = $2, updated_at = now()
			WHERE id = $1`, repoID, status)
	}
	if err != nil {
		return fmt.Errorf("release sync: %w", err)
	}
	return nil
}

// SaveSyncCursor persists the page checkpoint outside of UpsertPage, used
// when a page contained no issues but the cursor still advanced.
func (s *Store) SaveSyncCursor(ctx context.Context, repoID string, cursor SyncCursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode sync cursor: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE repos SET sync_cursor = $2, updated_at = now()
		WHERE id = $1`, repoID, data); err != nil {
		return fmt.Errorf("save sync cursor: %w", err)
	}
	return nil
}

// UnstickRepos recovers repositories abandoned mid-run: init or sync left
// in_progress beyond staleAfter goes back to a re-claimable state.
func (s *Store) UnstickRepos(ctx context.Context, staleAfter time.Duration) (int, error) {
	interval := fmt.Sprintf("%f seconds", staleAfter.Seconds())
	tag1, err := s.pool.Exec(ctx, `
		UPDATE repos SET init_status = 'error', updated_at = now()
		WHERE init_status = 'in_progress' AND updated_at < now() - $1::interval`,
		interval)
	if err != nil {
		return 0, fmt.Errorf("unstick init: %w", err)
	}
	tag2, err := s.pool.Exec(ctx, `
		UPDATE repos SET sync_status = 'ready', updated_at = now()
		WHERE sync_status = 'in_progress' AND updated_at < now() - $1::interval`,
		interval)
	if err != nil {
		return 0, fmt.Errorf("unstick sync: %w", err)
	}
	return int(tag1.RowsAffected() + tag2.RowsAffected()), nil
}

// CountIndexedIssues returns the number of issues eligible for similarity
// search: embedding ready, repository initialized.
func (s *Store) CountIndexedIssues(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM issues i
		JOIN repos r ON r.id = i.repo_id AND r.init_status = 'completed'
		WHERE i.embedding_sync_status = 'ready'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count indexed issues: %w", err)
	}
	return n, nil
}

// ListRepos returns every subscribed repository.
func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+repoColumns+` FROM repos ORDER BY owner, name`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()
	var repos []Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// CountRepoIssues returns the total issue count for one repository.
func (s *Store) CountRepoIssues(ctx context.Context, repoID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM issues WHERE repo_id = $1`, repoID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count repo issues: %w", err)
	}
	return n, nil
}
