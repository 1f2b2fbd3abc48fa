package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotClaimable is returned when a repository cannot be moved to
// in_progress because another run already holds it.
var ErrNotClaimable = errors.New("store: repository not claimable")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS repos (
  id                      uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  owner                   text NOT NULL,
  name                    text NOT NULL,
  init_status             text NOT NULL DEFAULT 'pending',
  sync_status             text NOT NULL DEFAULT 'ready',
  sync_cursor             jsonb,
  issues_last_updated_at  timestamptz,
  last_synced_at          timestamptz,
  created_at              timestamptz NOT NULL DEFAULT now(),
  updated_at              timestamptz NOT NULL DEFAULT now(),
  UNIQUE (owner, name)
);
CREATE INDEX IF NOT EXISTS repos_sync_pick_idx
  ON repos (last_synced_at ASC NULLS FIRST)
  WHERE init_status = 'completed' AND sync_status = 'queued';

CREATE TABLE IF NOT EXISTS issues (
  id                     uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  repo_id                uuid NOT NULL REFERENCES repos(id),
  node_id                text NOT NULL UNIQUE,
  number                 integer NOT NULL,
  title                  text NOT NULL,
  body                   text NOT NULL DEFAULT '',
  author                 text NOT NULL DEFAULT '',
  state                  text NOT NULL,
  state_reason           text NOT NULL DEFAULT '',
  comment_count          integer NOT NULL DEFAULT 0,
  embedding_model        text NOT NULL DEFAULT '',
  embedding_sync_status  text NOT NULL DEFAULT 'pending',
  embedding_synced_at    timestamptz,
  issue_created_at       timestamptz NOT NULL,
  issue_updated_at       timestamptz NOT NULL,
  issue_closed_at        timestamptz,
  updated_at             timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS issues_repo_idx ON issues (repo_id);
CREATE INDEX IF NOT EXISTS issues_embedding_stale_idx
  ON issues (embedding_sync_status, embedding_model);

CREATE TABLE IF NOT EXISTS comments (
  node_id     text PRIMARY KEY,
  issue_id    uuid NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
  author      text NOT NULL DEFAULT '',
  body        text NOT NULL DEFAULT '',
  created_at  timestamptz NOT NULL,
  updated_at  timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_issue_idx ON comments (issue_id);

CREATE TABLE IF NOT EXISTS labels (
  node_id      text PRIMARY KEY,
  name         text NOT NULL,
  color        text NOT NULL DEFAULT '',
  description  text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS issue_labels (
  issue_id       uuid NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
  label_node_id  text NOT NULL REFERENCES labels(node_id),
  PRIMARY KEY (issue_id, label_node_id)
);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
