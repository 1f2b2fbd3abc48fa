// Package store persists repositories, issues, comments and labels in
// PostgreSQL and owns every status transition recorded on them.
package store

import "time"

// InitStatus tracks the one-time initial load of a repository.
type InitStatus string

const (
	InitPending    InitStatus = "pending"
	InitInProgress InitStatus = "in_progress"
	InitCompleted  InitStatus = "completed"
	InitError      InitStatus = "error"
	InitNoIssues   InitStatus = "no_issues"
)

// SyncStatus tracks the recurring incremental sync of a repository.
type SyncStatus string

const (
	SyncReady      SyncStatus = "ready"
	SyncQueued     SyncStatus = "queued"
	SyncInProgress SyncStatus = "in_progress"
	SyncError      SyncStatus = "error"
)

// EmbeddingStatus tracks whether an issue's vector is current.
type EmbeddingStatus string

const (
	EmbeddingPending EmbeddingStatus = "pending"
	EmbeddingReady   EmbeddingStatus = "ready"
	EmbeddingError   EmbeddingStatus = "error"
)

// SyncCursor marks ingestion progress for a repository. Since is the
// updated-at watermark; After is the opaque page cursor within that
// watermark, nil once a watermark is fully drained.
type SyncCursor struct {
	Since *time.Time `json:"since"`
	After *string    `json:"after"`
}

// Repo is a subscribed repository.
type Repo struct {
	ID                  string
	Owner               string
	Name                string
	InitStatus          InitStatus
	SyncStatus          SyncStatus
	SyncCursor          *SyncCursor
	IssuesLastUpdatedAt *time.Time
	LastSyncedAt        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FullName returns "owner/name".
func (r *Repo) FullName() string { return r.Owner + "/" + r.Name }

// Label is a child record of an issue, replaced wholesale on re-sync.
type Label struct {
	NodeID      string
	Name        string
	Color       string
	Description string
}

// Comment is a child record of an issue, replaced wholesale on re-sync.
type Comment struct {
	NodeID    string
	Author    string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Issue is one GitHub issue with its denormalized children. Embedding*
// fields are mutated only by the embedding pipeline.
type Issue struct {
	ID              string
	RepoID          string
	NodeID          string
	Number          int
	Title           string
	Body            string
	Author          string
	State           string // OPEN or CLOSED
	StateReason     string
	CommentCount    int
	Labels          []Label
	Comments        []Comment
	EmbeddingModel  string
	EmbeddingStatus EmbeddingStatus
	IssueCreatedAt  time.Time
	IssueUpdatedAt  time.Time
	IssueClosedAt   *time.Time
}
