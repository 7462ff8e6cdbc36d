package pathutil

import (
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Matcher decides which entries of a source tree are excluded.
//
// A pattern without '/' is matched against every segment of the relative
// path, so "*.log" or "node_modules" exclude matching files and whole
// directories at any depth. A pattern containing '/' is matched against the
// full slash-separated relative path; a trailing "/**" matches everything
// beneath a directory and a leading "**/" matches at any depth.
type Matcher struct {
	segment []string
	full    []string
	paths   []string
}

// NewMatcher builds a Matcher. Blank patterns and '#' comments are skipped.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = filepath.ToSlash(p)
		if strings.Contains(strings.Trim(p, "/"), "/") {
			m.full = append(m.full, strings.Trim(p, "/"))
		} else {
			m.segment = append(m.segment, strings.Trim(p, "/"))
		}
	}
	return m
}

// Empty reports whether the matcher excludes nothing. A nil Matcher is empty.
func (m *Matcher) Empty() bool {
	return m == nil || (len(m.segment) == 0 && len(m.full) == 0 && len(m.paths) == 0)
}

// WithPaths returns a copy of m that also excludes each literal relative
// path and everything beneath it. Glob characters in rels are not special.
func (m *Matcher) WithPaths(rels ...string) *Matcher {
	out := &Matcher{}
	if m != nil {
		out.segment = slices.Clone(m.segment)
		out.full = slices.Clone(m.full)
		out.paths = slices.Clone(m.paths)
	}
	for _, rel := range rels {
		rel = strings.Trim(filepath.ToSlash(filepath.Clean(rel)), "/")
		if rel != "" && rel != "." {
			out.paths = append(out.paths, rel)
		}
	}
	return out
}

// Match reports whether rel, a path relative to the source root, is excluded.
func (m *Matcher) Match(rel string) bool {
	if m.Empty() {
		return false
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}

	for _, p := range m.paths {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	for _, seg := range strings.Split(rel, "/") {
		for _, p := range m.segment {
			if ok, _ := path.Match(p, seg); ok {
				return true
			}
		}
	}
	for _, p := range m.full {
		if matchFull(p, rel) {
			return true
		}
	}
	return false
}

func matchFull(pattern, rel string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if matchFull(prefix, rel) {
			return true
		}
		parts := strings.Split(rel, "/")
		for i := 1; i < len(parts); i++ {
			if matchFull(prefix, strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		parts := strings.Split(rel, "/")
		for i := range parts {
			if matchFull(rest, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}
	ok, _ := path.Match(pattern, rel)
	return ok
}

// Within reports whether target is base or lies beneath it, returning the
// slash-separated path of target relative to base. Both paths are cleaned
// but not resolved through symlinks.
func Within(base, target string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(target))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
