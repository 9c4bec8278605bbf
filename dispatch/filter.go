package dispatch

import (
	"fmt"

	"github.com/gobwas/glob"
)

// EntityFilter selects which entities produce user-facing notifications
// using glob patterns. Empty patterns match everything.
type EntityFilter struct {
	entityGlobs []glob.Glob
}

// NewEntityFilter compiles the given patterns
func NewEntityFilter(patterns []string) (*EntityFilter, error) {
	filter := &EntityFilter{
		entityGlobs: make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid entity pattern %q: %w", pattern, err)
		}
		filter.entityGlobs = append(filter.entityGlobs, g)
	}

	return filter, nil
}

// Match returns true if the entity matches the configured patterns
// If no patterns are configured, all entities match
func (f *EntityFilter) Match(entityType string) bool {
	if len(f.entityGlobs) == 0 {
		return true
	}

	for _, g := range f.entityGlobs {
		if g.Match(entityType) {
			return true
		}
	}
	return false
}
