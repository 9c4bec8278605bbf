// Package cache defines the downstream cache collaborator consumed by the
// invalidation engine, and ships an LRU-backed implementation for the
// standalone daemon. External caches plug in through the Invalidator
// interface; this core never reaches into a cache's internals.
package cache

// Invalidator is the narrow surface the invalidation engine drives.
// Both operations must be idempotent: applying the same invalidation twice
// leaves the cache in the same state as applying it once.
type Invalidator interface {
	// Invalidate expires entries whose keys match the glob pattern.
	// Exact keys (no glob metacharacters) are valid patterns.
	Invalidate(keyPattern string) error
	// InvalidateAll expires every entry
	InvalidateAll() error
}

// Store is a readable cache: the Invalidator surface plus lookups.
// The daemon's built-in LRU implements it.
type Store interface {
	Invalidator
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	Len() int
}
