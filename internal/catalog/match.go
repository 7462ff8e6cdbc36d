// Package catalog resolves user-supplied references (full IDs, ID prefixes
// or names) against the records a store holds.
package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/ckpt-project/ckpt/pkg/errclass"
)

// Entry is the searchable view of one record.
type Entry struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Match is an entry scored against a query.
type Match struct {
	Entry
	Score     int
	MatchType string // "id" or "name"
}

// scoreMatch calculates a relevance score for an entry. Zero means no match.
func scoreMatch(e Entry, query, queryLower string) (int, string) {
	if e.ID == query {
		return 1000, "id"
	}
	if strings.HasPrefix(e.ID, query) {
		return 900, "id"
	}
	nameLower := strings.ToLower(e.Name)
	if nameLower == queryLower {
		return 800, "name"
	}
	if strings.HasPrefix(nameLower, queryLower) {
		return 700, "name"
	}
	if strings.Contains(nameLower, queryLower) {
		return 100, "name"
	}
	return 0, ""
}

// Rank returns up to max entries matching query, best first. Entries of
// equal score are ordered newest first.
func Rank(entries []Entry, query string, max int) []Match {
	if query == "" {
		return nil
	}
	queryLower := strings.ToLower(query)
	var matches []Match
	for _, e := range entries {
		if score, kind := scoreMatch(e, query, queryLower); score > 0 {
			matches = append(matches, Match{Entry: e, Score: score, MatchType: kind})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if max > 0 && len(matches) > max {
		matches = matches[:max]
	}
	return matches
}

// Resolve returns the ID of the single entry matching query by exact ID,
// ID prefix or name. Substring matches never resolve. notFound is
// returned, annotated with the query, when nothing matches; several
// equally good matches yield ErrAmbiguousID listing the candidates.
func Resolve(entries []Entry, query string, notFound *errclass.CkptError) (string, error) {
	var best []Match
	for _, m := range Rank(entries, query, 0) {
		if m.Score < 700 {
			break
		}
		if len(best) > 0 && m.Score < best[0].Score {
			break
		}
		best = append(best, m)
	}

	switch len(best) {
	case 0:
		return "", notFound.WithMessagef("no match for %q", query)
	case 1:
		return best[0].ID, nil
	}
	ids := make([]string, len(best))
	for i, m := range best {
		ids[i] = m.ID
	}
	return "", errclass.ErrAmbiguousID.
		WithMessagef("%q matches %d records", query, len(best)).
		WithDetail("candidates", ids)
}
