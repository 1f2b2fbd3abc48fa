package github

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shurcooL/githubv4"
)

func TestHalvePageSizeLadder(t *testing.T) {
	got := []int{}
	for size := DefaultPageSize; size > 1; size = halvePageSize(size) {
		got = append(got, size)
	}
	got = append(got, 1)

	want := []int{100, 50, 25, 12, 6, 3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("ladder length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ladder[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if halvePageSize(1) != 1 {
		t.Fatalf("page size must never fall below 1")
	}
}

func TestIsOversizeResponse(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Something went wrong while executing your query"), true},
		{fmt.Errorf("query issues: %w", errors.New("requesting 5000 records exceeds maximum node limit of 500000")), true},
		{errors.New("non-200 OK status code: 502 Bad Gateway"), true},
		{errors.New("could not resolve to a Repository"), false},
		{errors.New("401 Unauthorized"), false},
	}
	for _, tc := range cases {
		if got := isOversizeResponse(tc.err); got != tc.want {
			t.Errorf("isOversizeResponse(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestConvertIssueTruncatesLongBody(t *testing.T) {
	var body strings.Builder
	body.WriteString("```go\n")
	for i := 0; i < 400; i++ {
		body.WriteString("fmt.Println(\"stacktrace line\")\n")
	}
	body.WriteString("```\n")
	for i := 0; i < 500; i++ {
		body.WriteString("and then the crash happens again. ")
	}

	n := &issueNode{
		ID:     "I_abc123",
		Number: 42,
		Title:  "panic on startup",
		Body:   githubv4.String(body.String()),
		State:  "OPEN",
	}
	n.Author.Login = "octocat"
	n.Comments.TotalCount = 3

	issue := convertIssue(n)
	if len(issue.Body) > bodyMaxBytes {
		t.Fatalf("body is %d bytes, want at most %d", len(issue.Body), bodyMaxBytes)
	}
	if !strings.HasPrefix(issue.Body, "```go\n") {
		t.Fatalf("code fence header should survive truncation, got %q", issue.Body[:20])
	}
	if issue.NodeID != "I_abc123" || issue.Number != 42 || issue.Author != "octocat" {
		t.Fatalf("scalar fields not mapped: %+v", issue)
	}
	if issue.CommentCount != 3 {
		t.Fatalf("comment count = %d, want 3", issue.CommentCount)
	}
}

func TestConvertIssueKeepsShortBody(t *testing.T) {
	n := &issueNode{
		ID:    "I_short",
		Body:  "just a short report",
		State: "CLOSED",
	}
	issue := convertIssue(n)
	if issue.Body != "just a short report" {
		t.Fatalf("short body should pass through unchanged, got %q", issue.Body)
	}
	if issue.IssueClosedAt != nil {
		t.Fatalf("nil closedAt should stay nil")
	}
}

func TestNestedConnectionBounds(t *testing.T) {
	// comments are the expensive child connection, labels the cheap
	// one; keep the bounds on the right sides
	if commentsPerIssue != 20 {
		t.Fatalf("commentsPerIssue = %d, want 20", commentsPerIssue)
	}
	if labelsPerIssue != 50 {
		t.Fatalf("labelsPerIssue = %d, want 50", labelsPerIssue)
	}
}
