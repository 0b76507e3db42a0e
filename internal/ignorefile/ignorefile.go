// Package ignorefile parses and matches the newline-separated,
// "#"-comment ignore-pattern files used to exclude paths from a publish
// (spec.md §4.1, §6). Negation is intentionally unsupported.
package ignorefile

import (
	"bufio"
	"io"
	"path"
	"strings"
)

// Spec is a parsed set of ignore patterns.
type Spec struct {
	patterns []string
}

// Parse reads newline-separated patterns from r, skipping blank lines and
// "#"-comment lines.
func Parse(r io.Reader) (*Spec, error) {
	s := &Spec{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.patterns = append(s.patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Empty returns a Spec with no patterns, matching nothing.
func Empty() *Spec {
	return &Spec{}
}

// Match reports whether relPath (forward-slash separated, relative to the
// walk root, no leading slash) is excluded by any pattern.
//
// A pattern with no "/" matches any basename component of relPath; a
// pattern containing "/" matches the full relative path. "*" matches any
// run of non-slash bytes (path.Match semantics).
func (s *Spec) Match(relPath string) bool {
	if s == nil {
		return false
	}
	base := path.Base(relPath)
	for _, pat := range s.patterns {
		if strings.Contains(pat, "/") {
			if ok, _ := path.Match(strings.TrimPrefix(pat, "/"), relPath); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
		// Also allow a bare pattern to match any ancestor directory
		// component, so that a directory-name pattern prunes its subtree.
		for _, part := range strings.Split(relPath, "/") {
			if ok, _ := path.Match(pat, part); ok {
				return true
			}
		}
	}
	return false
}

// MatchDir reports whether the directory at relPath should be pruned
// entirely (its descendants never scanned). Uses the same rule as Match.
func (s *Spec) MatchDir(relPath string) bool {
	return s.Match(relPath)
}
