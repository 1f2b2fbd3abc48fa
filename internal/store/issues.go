package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertPage writes one fetched page in a single transaction: issues are
// upserted by node id, their comments and labels replaced wholesale, the
// embedding status of every touched issue reset to pending, and the sync
// cursor advanced. The cursor is only visible once the page's entities
// are durable, which is what makes ingestion resumable.
func (s *Store) UpsertPage(ctx context.Context, repoID string, issues []Issue, cursor SyncCursor) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin page upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(issues))
	for i := range issues {
		id, err := upsertIssue(ctx, tx, repoID, &issues[i])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	cursorJSON, err := json.Marshal(cursor)
	if err != nil {
		return nil, fmt.Errorf("encode sync cursor: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE repos SET sync_cursor = $2, issues_last_updated_at = $3, updated_at = now()
		WHERE id = $1`,
		repoID, cursorJSON, cursor.Since); err != nil {
		return nil, fmt.Errorf("checkpoint cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit page upsert: %w", err)
	}
	return ids, nil
}

// upsertIssueSQL re-queues an issue for embedding only when its
// updated-at actually moved. The sync watermark is inclusive, so the
// watermark issue comes back on every pass; an unconditional reset
// would re-embed it each time.
const upsertIssueSQL = `
		INSERT INTO issues (repo_id, node_id, number, title, body, author, state,
			state_reason, comment_count, embedding_sync_status, issue_created_at,
			issue_updated_at, issue_closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10, $11, $12)
		ON CONFLICT (node_id) DO UPDATE SET
			number = EXCLUDED.number,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			author = EXCLUDED.author,
			state = EXCLUDED.state,
			state_reason = EXCLUDED.state_reason,
			comment_count = EXCLUDED.comment_count,
			embedding_sync_status = CASE
				WHEN issues.issue_updated_at IS DISTINCT FROM EXCLUDED.issue_updated_at
				THEN 'pending' ELSE issues.embedding_sync_status END,
			issue_updated_at = EXCLUDED.issue_updated_at,
			issue_closed_at = EXCLUDED.issue_closed_at,
			updated_at = now()
		RETURNING id`

func upsertIssue(ctx context.Context, tx pgx.Tx, repoID string, issue *Issue) (string, error) {
	var id string
	err := tx.QueryRow(ctx, upsertIssueSQL,
		repoID, issue.NodeID, issue.Number, issue.Title, issue.Body, issue.Author,
		issue.State, issue.StateReason, issue.CommentCount,
		issue.IssueCreatedAt, issue.IssueUpdatedAt, issue.IssueClosedAt).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert issue %s: %w", issue.NodeID, err)
	}

	// children have no independent lifecycle: replace wholesale
	if _, err := tx.Exec(ctx, `DELETE FROM comments WHERE issue_id = $1`, id); err != nil {
		return "", fmt.Errorf("clear comments: %w", err)
	}
	for _, c := range issue.Comments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO comments (node_id, issue_id, author, body, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (node_id) DO UPDATE SET
				author = EXCLUDED.author, body = EXCLUDED.body,
				updated_at = EXCLUDED.updated_at`,
			c.NodeID, id, c.Author, c.Body, c.CreatedAt, c.UpdatedAt); err != nil {
			return "", fmt.Errorf("insert comment: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM issue_labels WHERE issue_id = $1`, id); err != nil {
		return "", fmt.Errorf("clear labels: %w", err)
	}
	for _, l := range issue.Labels {
		if _, err := tx.Exec(ctx, `
			INSERT INTO labels (node_id, name, color, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (node_id) DO UPDATE SET
				name = EXCLUDED.name, color = EXCLUDED.color,
				description = EXCLUDED.description`,
			l.NodeID, l.Name, l.Color, l.Description); err != nil {
			return "", fmt.Errorf("upsert label: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO issue_labels (issue_id, label_node_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, l.NodeID); err != nil {
			return "", fmt.Errorf("link label: %w", err)
		}
	}

	return id, nil
}

const issueColumns = `i.id, i.repo_id, i.node_id, i.number, i.title, i.body,
	i.author, i.state, i.state_reason, i.comment_count, i.embedding_model,
	i.embedding_sync_status, i.issue_created_at, i.issue_updated_at, i.issue_closed_at`

func scanIssues(rows pgx.Rows) ([]Issue, error) {
	defer rows.Close()
	var out []Issue
	for rows.Next() {
		var is Issue
		if err := rows.Scan(&is.ID, &is.RepoID, &is.NodeID, &is.Number, &is.Title,
			&is.Body, &is.Author, &is.State, &is.StateReason, &is.CommentCount,
			&is.EmbeddingModel, &is.EmbeddingStatus, &is.IssueCreatedAt,
			&is.IssueUpdatedAt, &is.IssueClosedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// SelectIssuesByIDs loads issues in the given id set, labels attached.
func (s *Store) SelectIssuesByIDs(ctx context.Context, ids []string) ([]Issue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+issueColumns+` FROM issues i WHERE i.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select issues: %w", err)
	}
	issues, err := scanIssues(rows)
	if err != nil {
		return nil, err
	}
	return s.attachLabels(ctx, issues)
}

// SelectRepoIssuesForEmbedding returns one repository's issues still
// waiting on an embedding, oldest update first.
func (s *Store) SelectRepoIssuesForEmbedding(ctx context.Context, repoID string, limit int) ([]Issue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+issueColumns+` FROM issues i
		WHERE i.repo_id = $1 AND i.embedding_sync_status = 'pending'
		ORDER BY i.issue_updated_at ASC
		LIMIT $2`,
		repoID, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending issues: %w", err)
	}
	return scanIssues(rows)
}

// SelectStaleIssues returns issues whose embedding is missing, errored,
// pending, or generated under a superseded model version.
func (s *Store) SelectStaleIssues(ctx context.Context, activeModel string, limit int) ([]Issue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+issueColumns+` FROM issues i
		JOIN repos r ON r.id = i.repo_id AND r.init_status = 'completed'
		WHERE i.embedding_sync_status != 'ready' OR i.embedding_model != $1
		ORDER BY i.issue_updated_at DESC
		LIMIT $2`,
		activeModel, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale issues: %w", err)
	}
	return scanIssues(rows)
}

func (s *Store) attachLabels(ctx context.Context, issues []Issue) ([]Issue, error) {
	if len(issues) == 0 {
		return issues, nil
	}
	ids := make([]string, len(issues))
	byID := make(map[string]*Issue, len(issues))
	for i := range issues {
		ids[i] = issues[i].ID
		byID[issues[i].ID] = &issues[i]
	}
	rows, err := s.pool.Query(ctx, `
		SELECT il.issue_id, l.node_id, l.name, l.color, l.description
		FROM issue_labels il JOIN labels l ON l.node_id = il.label_node_id
		WHERE il.issue_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("attach labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var issueID string
		var l Label
		if err := rows.Scan(&issueID, &l.NodeID, &l.Name, &l.Color, &l.Description); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		if is, ok := byID[issueID]; ok {
			is.Labels = append(is.Labels, l)
		}
	}
	return issues, rows.Err()
}

// MarkEmbedded records a successful embedding batch.
func (s *Store) MarkEmbedded(ctx context.Context, ids []string, model string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE issues SET embedding_model = $2, embedding_sync_status = 'ready',
			embedding_synced_at = now(), updated_at = now()
		WHERE id = ANY($1)`,
		ids, model); err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	return nil
}

// MarkEmbeddingError flags issues whose batch failed unrecoverably.
func (s *Store) MarkEmbeddingError(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE issues SET embedding_sync_status = 'error', updated_at = now()
		WHERE id = ANY($1)`,
		ids); err != nil {
		return fmt.Errorf("mark embedding error: %w", err)
	}
	return nil
}

// RequeueStuckEmbeddings recovers issues abandoned mid-batch: pending
// beyond staleAfter with no recorded vector goes back to pending with a
// fresh updated_at so the next cron pass picks them up, errored issues
// older than the threshold are retried too.
func (s *Store) RequeueStuckEmbeddings(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE issues SET embedding_sync_status = 'pending', updated_at = now()
		WHERE embedding_sync_status IN ('pending', 'error')
		  AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%f seconds", staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck embeddings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

