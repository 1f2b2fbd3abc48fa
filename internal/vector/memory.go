package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index backed by a map with brute-force
// cosine search. It backs tests and small single-node deployments.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

// NewMemory creates an empty in-memory index.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.IssueID] = p
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := map[string]bool{}
	for _, id := range opts.RepoIDs {
		allowed[id] = true
	}

	var matches []Match
	for _, p := range m.points {
		if len(allowed) > 0 && !allowed[p.RepoID] {
			continue
		}
		matches = append(matches, Match{IssueID: p.IssueID, Score: cosine(vec, p.Vector)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].IssueID < matches[j].IssueID
	})
	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

// Len reports how many points the index holds.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *MemoryIndex) Close() error { return nil }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ Index = (*MemoryIndex)(nil)
