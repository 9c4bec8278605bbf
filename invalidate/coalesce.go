package invalidate

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// coalescerMaxEntries bounds the dedup window map; the map resets when it
// grows past this, which only costs an extra (idempotent) invalidation.
const coalescerMaxEntries = 65536

// Coalescer deduplicates invalidation requests for the same key arriving
// within a short window. Purely a performance optimization: idempotence of
// invalidation guarantees correctness regardless of suppression.
type Coalescer struct {
	window time.Duration
	seen   *xsync.MapOf[uint64, int64] // xxhash(key) -> last issued unix nanos
	now    func() time.Time
}

// NewCoalescer creates a coalescer with the given suppression window.
// A zero or negative window disables coalescing.
func NewCoalescer(window time.Duration) *Coalescer {
	return &Coalescer{
		window: window,
		seen:   xsync.NewMapOf[uint64, int64](),
		now:    time.Now,
	}
}

// Allow reports whether an invalidation for key should be issued now.
// Returns false when the same key was issued within the window.
func (c *Coalescer) Allow(key string) bool {
	if c.window <= 0 {
		return true
	}

	if c.seen.Size() > coalescerMaxEntries {
		c.seen.Clear()
	}

	h := xxhash.Sum64String(key)
	now := c.now().UnixNano()

	allowed := false
	c.seen.Compute(h, func(last int64, loaded bool) (int64, bool) {
		if !loaded || now-last >= int64(c.window) {
			allowed = true
			return now, false
		}
		return last, false
	})
	return allowed
}
