package search

import (
	"regexp"
	"strings"
)

// Query is the structured form of a search string. Multiple values for
// the same operator are all applied; free text drives the similarity
// search.
type Query struct {
	Substrings []string // bare quoted fragments, matched anywhere
	Titles     []string // title:"..."
	Bodies     []string // body:"..."
	Labels     []string // label:"..."
	Authors    []string // author:...
	States     []string // state:open|closed|all
	Repos      []string // repo:name
	Owners     []string // owner:org
	Text       string   // whatever is left
}

// operator config: quoted operators only accept a quoted value, plain
// ones accept either a bare word or a quoted value.
var operators = []struct {
	name   string
	quoted bool
}{
	{"title", true},
	{"body", true},
	{"label", true},
	{"author", false},
	{"state", false},
	{"repo", false},
	{"owner", false},
}

var (
	operatorPatterns = buildOperatorPatterns()
	quotedPattern    = regexp.MustCompile(`"([^"]*)"`)
	spacePattern     = regexp.MustCompile(`\s+`)
	repoOpPattern    = regexp.MustCompile(`\b(?:repo|owner):(?:"[^"]*"|\S*)`)
)

func buildOperatorPatterns() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(operators))
	for _, op := range operators {
		if op.quoted {
			patterns[op.name] = regexp.MustCompile(op.name + `:"([^"]*)"`)
		} else {
			patterns[op.name] = regexp.MustCompile(op.name + `:(?:"([^"]*)"|(\S*))`)
		}
	}
	return patterns
}

var validStates = map[string]bool{"open": true, "closed": true, "all": true}

// Parse breaks a raw search string into operator values, bare quoted
// substrings, and leftover free text. Unknown state values are dropped,
// duplicate states collapse to one.
func Parse(raw string) Query {
	q := Query{}
	remaining := raw

	collect := func(name string) []string {
		pattern := operatorPatterns[name]
		var values []string
		for _, m := range pattern.FindAllStringSubmatch(remaining, -1) {
			value := m[1]
			if len(m) > 2 && value == "" {
				value = m[2]
			}
			if strings.TrimSpace(value) != "" {
				values = append(values, value)
			}
		}
		remaining = pattern.ReplaceAllString(remaining, "")
		return values
	}

	q.Titles = collect("title")
	q.Bodies = collect("body")
	q.Labels = collect("label")
	q.Authors = collect("author")
	states := collect("state")
	q.Repos = collect("repo")
	q.Owners = collect("owner")

	seen := map[string]bool{}
	for _, s := range states {
		normalized := strings.ToLower(s)
		if validStates[normalized] && !seen[normalized] {
			seen[normalized] = true
			q.States = append(q.States, normalized)
		}
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(remaining, -1) {
		if strings.TrimSpace(m[1]) != "" {
			q.Substrings = append(q.Substrings, m[1])
		}
	}
	remaining = quotedPattern.ReplaceAllString(remaining, "")

	q.Text = strings.TrimSpace(spacePattern.ReplaceAllString(remaining, " "))
	return q
}

// EmbeddingInput assembles the text handed to the embedding provider
// from the semantic parts of the query. Operators that only filter
// (state, author, repo, owner) carry no similarity signal and are left
// out. Reports false when nothing semantic remains.
func (q Query) EmbeddingInput() (string, bool) {
	if q.Text == "" && len(q.Titles) == 0 && len(q.Bodies) == 0 &&
		len(q.Labels) == 0 && len(q.Substrings) == 0 {
		return "", false
	}
	var parts []string
	for _, t := range q.Titles {
		parts = append(parts, "title:"+t)
	}
	for _, l := range q.Labels {
		parts = append(parts, "labelled as "+l)
	}
	parts = append(parts, q.Bodies...)
	parts = append(parts, q.Substrings...)
	parts = append(parts, q.Text)
	return strings.Join(parts, ","), true
}

// Normalize rewrites a raw query into canonical form: a default
// state:open is injected when no state operator is present, and a
// combined repo:owner/name is split into owner: and repo: operators.
func Normalize(raw string) string {
	parsed := Parse(raw)
	modified := strings.TrimSpace(raw)

	if len(parsed.States) == 0 {
		if modified == "" {
			modified = "state:open"
		} else {
			modified = "state:open " + modified
		}
	}

	for _, r := range parsed.Repos {
		parts := strings.Split(r, "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			modified = strings.TrimSpace(repoOpPattern.ReplaceAllString(modified, ""))
			prefix := "owner:" + parts[0] + " repo:" + parts[1]
			if modified == "" {
				modified = prefix
			} else {
				modified = prefix + " " + modified
			}
			break
		}
	}

	return strings.TrimSpace(spacePattern.ReplaceAllString(modified, " "))
}
