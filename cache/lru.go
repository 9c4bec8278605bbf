package cache

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a bounded in-process cache with glob-pattern invalidation.
// Keys follow the "entity:segment" convention ("patients:42",
// "patients:list"). Safe for concurrent use.
type LRU struct {
	inner *lru.Cache[string, interface{}]
}

// NewLRU creates an LRU cache holding at most capacity entries
func NewLRU(capacity int) (*LRU, error) {
	inner, err := lru.New[string, interface{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &LRU{inner: inner}, nil
}

// Get returns the cached value for key
func (c *LRU) Get(key string) (interface{}, bool) {
	return c.inner.Get(key)
}

// Set stores a value under key
func (c *LRU) Set(key string, value interface{}) {
	c.inner.Add(key, value)
}

// Len returns the number of cached entries
func (c *LRU) Len() int {
	return c.inner.Len()
}

// Invalidate removes entries whose keys match the glob pattern.
// A pattern without glob metacharacters is treated as an exact key.
func (c *LRU) Invalidate(keyPattern string) error {
	if !strings.ContainsAny(keyPattern, "*?[{") {
		c.inner.Remove(keyPattern)
		return nil
	}

	g, err := glob.Compile(keyPattern)
	if err != nil {
		return fmt.Errorf("invalid key pattern %q: %w", keyPattern, err)
	}

	for _, key := range c.inner.Keys() {
		if g.Match(key) {
			c.inner.Remove(key)
		}
	}
	return nil
}

// InvalidateAll removes every entry
func (c *LRU) InvalidateAll() error {
	c.inner.Purge()
	return nil
}
