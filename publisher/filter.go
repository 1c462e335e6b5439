package publisher

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// GlobFilter routes tables to a sink using glob patterns. Matching is
// case-insensitive.
type GlobFilter struct {
	tableGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(tablePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs: make([]glob.Glob, 0, len(tablePatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	return filter, nil
}

// Match returns true if the table matches any configured pattern
// If no patterns are configured, all tables match
func (f *GlobFilter) Match(table string) bool {
	if len(f.tableGlobs) == 0 {
		return true
	}

	name := strings.ToLower(table)
	for _, g := range f.tableGlobs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
