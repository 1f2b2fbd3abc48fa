package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/issuedex/issuedex/internal/store"
	"github.com/issuedex/issuedex/internal/text"
)

const (
	// DefaultPageSize is the issues-per-page requested before any
	// oversize fallback kicks in.
	DefaultPageSize = 100

	commentsPerIssue = 20
	labelsPerIssue   = 50

	bodyPreviewLines = 6
	bodyMaxBytes     = 5 * 1024
)

// Client fetches issues from the GitHub GraphQL API.
type Client struct {
	gql    *githubv4.Client
	logger *slog.Logger
}

// NewClient builds a client authenticated with the given token.
func NewClient(token string, logger *slog.Logger) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)
	return &Client{
		gql:    githubv4.NewClient(httpClient),
		logger: logger,
	}
}

// IssuePage is one page of issues in ascending updated-at order.
type IssuePage struct {
	Issues      []store.Issue
	HasNextPage bool
	EndCursor   string
	// PageSize is the size the page was actually fetched with, after
	// any oversize fallback. Callers pass it back in for the next page.
	PageSize int
}

type actorNode struct {
	Login githubv4.String
}

type labelNode struct {
	ID          githubv4.String
	Name        githubv4.String
	Color       githubv4.String
	Description githubv4.String
}

type commentNode struct {
	ID        githubv4.String
	Body      githubv4.String
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	Author    actorNode
}

type issueNode struct {
	ID          githubv4.String
	Number      githubv4.Int
	Title       githubv4.String
	Body        githubv4.String
	State       githubv4.String
	StateReason githubv4.String
	CreatedAt   githubv4.DateTime
	UpdatedAt   githubv4.DateTime
	ClosedAt    *githubv4.DateTime
	Author      actorNode
	Comments    struct {
		TotalCount githubv4.Int
		Nodes      []commentNode
	} `graphql:"comments(first: $commentsPerIssue)"`
	Labels struct {
		Nodes []labelNode
	} `graphql:"labels(first: $labelsPerIssue)"`
}

type issuesQuery struct {
	Repository struct {
		Issues struct {
			Nodes    []issueNode
			PageInfo struct {
				EndCursor   githubv4.String
				HasNextPage githubv4.Boolean
			}
		} `graphql:"issues(first: $pageSize, after: $after, orderBy: {field: UPDATED_AT, direction: ASC}, filterBy: {since: $since})"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// FetchPage fetches one page of issues updated at or after since,
// starting from the given cursor. When GitHub rejects a page as too
// large the page size is halved and the page retried, down to a floor
// of one issue per page.
func (c *Client) FetchPage(ctx context.Context, owner, name string, since *time.Time, after *string, pageSize int) (*IssuePage, error) {
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}

	for {
		page, err := c.fetchPageOnce(ctx, owner, name, since, after, pageSize)
		if err == nil {
			page.PageSize = pageSize
			return page, nil
		}
		if !isOversizeResponse(err) || pageSize <= 1 {
			return nil, &FetchError{Owner: owner, Name: name, Err: err}
		}
		pageSize = halvePageSize(pageSize)
		c.logger.Warn("github response too large, halving page size",
			"repo", owner+"/"+name, "page_size", pageSize)
	}
}

func (c *Client) fetchPageOnce(ctx context.Context, owner, name string, since *time.Time, after *string, pageSize int) (*IssuePage, error) {
	var sinceVar *githubv4.DateTime
	if since != nil {
		sinceVar = &githubv4.DateTime{Time: *since}
	}
	var afterVar *githubv4.String
	if after != nil {
		afterVar = (*githubv4.String)(after)
	}

	var q issuesQuery
	variables := map[string]interface{}{
		"owner":            githubv4.String(owner),
		"name":             githubv4.String(name),
		"pageSize":         githubv4.Int(pageSize),
		"after":            afterVar,
		"since":            sinceVar,
		"commentsPerIssue": githubv4.Int(commentsPerIssue),
		"labelsPerIssue":   githubv4.Int(labelsPerIssue),
	}
	if err := c.gql.Query(ctx, &q, variables); err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}

	issues := make([]store.Issue, 0, len(q.Repository.Issues.Nodes))
	for i := range q.Repository.Issues.Nodes {
		issues = append(issues, convertIssue(&q.Repository.Issues.Nodes[i]))
	}
	return &IssuePage{
		Issues:      issues,
		HasNextPage: bool(q.Repository.Issues.PageInfo.HasNextPage),
		EndCursor:   string(q.Repository.Issues.PageInfo.EndCursor),
	}, nil
}

// convertIssue maps a GraphQL node onto the storage model, truncating
// bodies so oversized issues cannot blow up storage or embedding.
func convertIssue(n *issueNode) store.Issue {
	issue := store.Issue{
		NodeID:         string(n.ID),
		Number:         int(n.Number),
		Title:          string(n.Title),
		Body:           truncateBody(string(n.Body)),
		Author:         string(n.Author.Login),
		State:          string(n.State),
		StateReason:    string(n.StateReason),
		CommentCount:   int(n.Comments.TotalCount),
		IssueCreatedAt: n.CreatedAt.Time,
		IssueUpdatedAt: n.UpdatedAt.Time,
	}
	if n.ClosedAt != nil {
		t := n.ClosedAt.Time
		issue.IssueClosedAt = &t
	}
	for _, cn := range n.Comments.Nodes {
		issue.Comments = append(issue.Comments, store.Comment{
			NodeID:    string(cn.ID),
			Author:    string(cn.Author.Login),
			Body:      truncateBody(string(cn.Body)),
			CreatedAt: cn.CreatedAt.Time,
			UpdatedAt: cn.UpdatedAt.Time,
		})
	}
	for _, ln := range n.Labels.Nodes {
		issue.Labels = append(issue.Labels, store.Label{
			NodeID:      string(ln.ID),
			Name:        string(ln.Name),
			Color:       string(ln.Color),
			Description: string(ln.Description),
		})
	}
	return issue
}

func truncateBody(body string) string {
	return text.TruncateToByteSize(text.TruncateCodeBlocks(body, bodyPreviewLines), bodyMaxBytes)
}

// halvePageSize steps 100 -> 50 -> 25 -> 12 -> 6 -> 3 -> 2 -> 1.
func halvePageSize(size int) int {
	next := size / 2
	if next < 1 {
		next = 1
	}
	return next
}

// isOversizeResponse reports whether the API refused the page because
// the response would be too large. GitHub surfaces this as a generic
// execution error or a node-limit complaint rather than a typed code.
func isOversizeResponse(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"something went wrong while executing your query",
		"exceeds maximum node limit",
		"502 bad gateway",
		"response too large",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// FetchError marks a failed page fetch so callers can tell transport
// failures apart from persistence failures.
type FetchError struct {
	Owner string
	Name  string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s/%s: %v", e.Owner, e.Name, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
