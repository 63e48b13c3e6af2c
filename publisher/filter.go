package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// MatchAll is a Filter that accepts every table
type MatchAll struct{}

// Match always returns true
func (MatchAll) Match(database, table string) bool { return true }

// GlobFilter filters change events using glob patterns
type GlobFilter struct {
	tableGlobs    []glob.Glob
	databaseGlobs []glob.Glob
	excludeGlobs  []glob.Glob // matched against "database.table"
}

// NewGlobFilter creates a new glob-based filter.
// Empty include patterns match everything. Exclude patterns are matched
// against "database.table" and win over includes.
func NewGlobFilter(tablePatterns, dbPatterns, excludePatterns []string) (*GlobFilter, error) {
	var err error
	filter := &GlobFilter{}

	if filter.tableGlobs, err = compileAll("table", tablePatterns); err != nil {
		return nil, err
	}
	if filter.databaseGlobs, err = compileAll("database", dbPatterns); err != nil {
		return nil, err
	}
	if filter.excludeGlobs, err = compileAll("exclude", excludePatterns); err != nil {
		return nil, err
	}

	return filter, nil
}

func compileAll(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if the database and table match the configured patterns
func (f *GlobFilter) Match(database, table string) bool {
	if !matchAny(f.databaseGlobs, database, true) {
		return false
	}
	if !matchAny(f.tableGlobs, table, true) {
		return false
	}
	if len(f.excludeGlobs) > 0 && matchAny(f.excludeGlobs, database+"."+table, false) {
		return false
	}
	return true
}

func matchAny(globs []glob.Glob, s string, emptyMatches bool) bool {
	if len(globs) == 0 {
		return emptyMatches
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
