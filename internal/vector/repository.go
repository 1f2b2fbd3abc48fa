package vector

import "context"

// Point is one embedded issue.
type Point struct {
	IssueID string
	RepoID  string
	Vector  []float32
}

// Match is a single similarity hit.
type Match struct {
	IssueID string
	Score   float32
}

// SearchOptions bound a similarity query. Exact forces a full scan,
// otherwise the index answers approximately with HnswEf candidates
// considered per probe. RepoIDs restricts matches to those repositories.
type SearchOptions struct {
	TopK    int
	RepoIDs []string
	Exact   bool
	HnswEf  uint64
}

// Index provides vector storage and similarity search over issues.
type Index interface {
	// Upsert inserts or updates points keyed by issue id.
	Upsert(ctx context.Context, points []Point) error
	// Search finds the top-k most similar issues.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Match, error)
	// Close releases resources.
	Close() error
}
