// Package ignore matches relative paths against gitignore-syntax
// exclusion patterns.
package ignore

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// Matcher reports whether a relative path matches a compiled set of
// exclusion patterns. A nil Matcher matches nothing.
type Matcher struct {
	patterns []string
	gi       *gitignore.GitIgnore
}

// Compile builds a matcher from gitignore-syntax pattern lines.
// An empty pattern list yields a matcher that matches nothing.
func Compile(patterns []string) *Matcher {
	return &Matcher{
		patterns: append([]string(nil), patterns...),
		gi:       gitignore.CompileIgnoreLines(patterns...),
	}
}

// Match reports whether the slash-separated relative path is excluded.
func (m *Matcher) Match(relPath string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	return m.gi.MatchesPath(relPath)
}

// Patterns returns a copy of the pattern lines the matcher was
// compiled from.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}
