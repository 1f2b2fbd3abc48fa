// Package search answers queries over the indexed corpus: it parses
// the operator grammar, embeds the query, picks an exact or
// approximate vector strategy by corpus size, and blends similarity
// with metadata signals into the final ranking.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/issuedex/issuedex/internal/cache"
	"github.com/issuedex/issuedex/internal/llm"
	"github.com/issuedex/issuedex/internal/observability"
	"github.com/issuedex/issuedex/internal/store"
	"github.com/issuedex/issuedex/internal/vector"
)

const (
	// hnswCountThreshold is the corpus size at which brute-force
	// scanning gives way to the approximate graph index.
	hnswCountThreshold = 25000

	// candidateLimit bounds how many vector matches are hydrated and
	// ranked per query.
	candidateLimit = 1000

	// hnswEfSearch bounds the approximate index's candidate pool.
	hnswEfSearch = 1000

	countCacheKey = "indexed-issue-count"

	// DefaultPageSize is used when a request does not specify one.
	DefaultPageSize = 30
)

// Store is the persistence surface the engine needs.
type Store interface {
	CountIndexedIssues(ctx context.Context) (int, error)
	ListRepos(ctx context.Context) ([]store.Repo, error)
	SelectIssuesByIDs(ctx context.Context, ids []string) ([]store.Issue, error)
}

// Params is one search request. Page is 1-based.
type Params struct {
	Query    string
	Page     int
	PageSize int
	// Lucky short-circuits to the single top result.
	Lucky bool
}

// RankedIssue is one search hit with its provenance and score.
type RankedIssue struct {
	store.Issue
	RepoOwner  string
	RepoName   string
	Similarity float64
	Score      float64
}

// Result is one page of ranked hits. TotalCount counts every hit that
// passed the filters, not just this page.
type Result struct {
	Issues     []RankedIssue
	TotalCount int
}

// Engine executes searches.
type Engine struct {
	store    Store
	index    vector.Index
	provider llm.Provider
	counts   *cache.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a search engine. counts may be nil, in which case
// the corpus size is recounted on every query.
func NewEngine(st Store, index vector.Index, provider llm.Provider, counts *cache.Cache, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		index:    index,
		provider: provider,
		counts:   counts,
		logger:   logger,
		now:      time.Now,
	}
}

// Search runs one query end to end.
func (e *Engine) Search(ctx context.Context, params Params) (*Result, error) {
	start := time.Now()
	result, exact, candidates, err := e.search(ctx, params)
	observability.Metrics().RecordSearch(time.Since(start), err)
	if err == nil {
		observability.Audit().LogSearchQuery(ctx, exact, candidates, len(result.Issues), time.Since(start))
	}
	return result, err
}

func (e *Engine) search(ctx context.Context, params Params) (result *Result, exact bool, candidates int, err error) {
	if params.PageSize <= 0 {
		params.PageSize = DefaultPageSize
	}
	if params.Page <= 0 {
		params.Page = 1
	}

	normalized := Normalize(params.Query)
	query := Parse(normalized)

	repoByID, repoIDs, err := e.visibleRepos(ctx, query)
	if err != nil {
		return nil, false, 0, err
	}
	if len(repoIDs) == 0 {
		return &Result{}, false, 0, nil
	}

	indexed, err := e.indexedCount(ctx)
	if err != nil {
		return nil, false, 0, err
	}
	exact = indexed < hnswCountThreshold

	ctx, span := observability.StartSearchSpan(ctx, exact)
	defer span.End()

	input, ok := query.EmbeddingInput()
	if !ok {
		input = normalized
	}
	vecs, err := e.provider.Embed(ctx, []string{input})
	if err != nil {
		observability.RecordError(span, err)
		return nil, exact, 0, fmt.Errorf("embed query: %w", err)
	}

	opts := vector.SearchOptions{
		TopK:    candidateLimit,
		RepoIDs: repoIDs,
		Exact:   exact,
	}
	if !exact {
		opts.HnswEf = hnswEfSearch
	}
	matches, err := e.index.Search(ctx, vecs[0], opts)
	if err != nil {
		observability.RecordError(span, err)
		return nil, exact, 0, fmt.Errorf("vector search: %w", err)
	}
	candidates = len(matches)

	simByID := make(map[string]float64, len(matches))
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.IssueID
		simByID[m.IssueID] = float64(m.Score)
	}

	issues, err := e.store.SelectIssuesByIDs(ctx, ids)
	if err != nil {
		observability.RecordError(span, err)
		return nil, exact, candidates, fmt.Errorf("hydrate candidates: %w", err)
	}

	now := e.now()
	var ranked []RankedIssue
	for i := range issues {
		issue := issues[i]
		repo, ok := repoByID[issue.RepoID]
		if !ok {
			continue
		}
		if !matchesFilters(&issue, &query) {
			continue
		}
		sim := simByID[issue.ID]
		ranked = append(ranked, RankedIssue{
			Issue:      issue,
			RepoOwner:  repo.Owner,
			RepoName:   repo.Name,
			Similarity: sim,
			Score:      Score(sim, issue.CommentCount, issue.State, issue.IssueUpdatedAt, now),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].IssueUpdatedAt.After(ranked[j].IssueUpdatedAt)
	})

	total := len(ranked)
	observability.RecordSearchResult(span, candidates, total)

	if params.Lucky {
		if total == 0 {
			return &Result{}, exact, candidates, nil
		}
		return &Result{Issues: ranked[:1], TotalCount: total}, exact, candidates, nil
	}

	startIdx := (params.Page - 1) * params.PageSize
	if startIdx >= total {
		return &Result{TotalCount: total}, exact, candidates, nil
	}
	endIdx := startIdx + params.PageSize
	if endIdx > total {
		endIdx = total
	}
	return &Result{Issues: ranked[startIdx:endIdx], TotalCount: total}, exact, candidates, nil
}

// visibleRepos returns the searchable repositories that survive the
// owner: and repo: operators.
func (e *Engine) visibleRepos(ctx context.Context, query Query) (map[string]store.Repo, []string, error) {
	repos, err := e.store.ListRepos(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list repos: %w", err)
	}

	byID := make(map[string]store.Repo)
	var ids []string
	for _, r := range repos {
		if r.InitStatus != store.InitCompleted {
			continue
		}
		if len(query.Owners) > 0 && !containsFold(query.Owners, r.Owner) {
			continue
		}
		if len(query.Repos) > 0 && !containsFold(query.Repos, r.Name) {
			continue
		}
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}
	return byID, ids, nil
}

func (e *Engine) indexedCount(ctx context.Context) (int, error) {
	if e.counts == nil {
		return e.store.CountIndexedIssues(ctx)
	}
	var count int
	err := e.counts.GetOrCompute(ctx, countCacheKey, &count, func(ctx context.Context) (interface{}, error) {
		return e.store.CountIndexedIssues(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("indexed issue count: %w", err)
	}
	return count, nil
}

// matchesFilters applies every metadata operator; all must pass.
func matchesFilters(issue *store.Issue, q *Query) bool {
	if !matchesState(issue.State, q.States) {
		return false
	}
	for _, t := range q.Titles {
		if !containsInsensitive(issue.Title, t) {
			return false
		}
	}
	for _, b := range q.Bodies {
		if !containsInsensitive(issue.Body, b) {
			return false
		}
	}
	for _, a := range q.Authors {
		if !strings.EqualFold(issue.Author, a) {
			return false
		}
	}
	for _, l := range q.Labels {
		if !hasLabel(issue.Labels, l) {
			return false
		}
	}
	for _, s := range q.Substrings {
		if !containsInsensitive(issue.Title, s) && !containsInsensitive(issue.Body, s) {
			return false
		}
	}
	return true
}

// matchesState applies the state operator; "all" disables the filter.
func matchesState(state string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		switch f {
		case "all":
			return true
		case "open":
			if state == "OPEN" {
				return true
			}
		case "closed":
			if state == "CLOSED" {
				return true
			}
		}
	}
	return false
}

func hasLabel(labels []store.Label, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

func containsInsensitive(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}
