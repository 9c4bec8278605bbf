package dispatch

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	// Cuckoo filter configuration
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 16

	// DefaultDedupeCapacity is the per-generation filter capacity
	DefaultDedupeCapacity = 100000
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// Dedupe drops redelivered frames. Feeds redeliver on at-least-once
// semantics, so the same change can arrive twice after a broker retry.
//
// Uses two Cuckoo filter generations rotated at capacity: an entry is a
// duplicate if either generation saw it. A false positive drops a genuine
// event, which the fingerprint size makes rare enough that the targeted
// invalidation it would have issued self-heals on the next change.
type Dedupe struct {
	mu         sync.Mutex
	current    *cuckoo.Filter
	previous   *cuckoo.Filter
	numBuckets uint
	rotateAt   uint
}

// NewDedupe creates a duplicate suppression filter holding up to capacity
// entries per generation
func NewDedupe(capacity int) *Dedupe {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}

	d := &Dedupe{
		numBuckets: uint(capacity) / cuckooBucketSize,
		// Rotate before the filter saturates; insertions degrade near capacity
		rotateAt: uint(capacity) * 3 / 4,
	}
	d.current = d.newFilter()
	d.previous = d.newFilter()
	return d
}

func (d *Dedupe) newFilter() *cuckoo.Filter {
	return cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		d.numBuckets, cuckoo.TableTypePacked)
}

// dedupeKey identifies one delivery: entity, record, source timestamp and
// the raw payload bytes. Folding the payload in keeps distinct changes that
// share a coarse feed timestamp from being mistaken for redeliveries.
func dedupeKey(entityType, recordID string, unixNanos int64, payload []byte) uint64 {
	h := xxhash.New()
	h.WriteString(entityType)
	h.WriteString("|")
	h.WriteString(recordID)
	h.WriteString("|")
	h.WriteString(strconv.FormatInt(unixNanos, 10))
	h.WriteString("|")
	h.Write(payload)
	return h.Sum64()
}

// Seen records the frame and reports whether it was already seen.
func (d *Dedupe) Seen(entityType, recordID string, unixNanos int64, payload []byte) bool {
	h := dedupeKey(entityType, recordID, unixNanos, payload)

	buf := hashBufPool.Get().([]byte)
	defer hashBufPool.Put(buf)
	binary.LittleEndian.PutUint64(buf, h)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current.Contain(buf) || d.previous.Contain(buf) {
		return true
	}

	d.current.Add(buf)
	if d.current.Size() >= d.rotateAt {
		d.previous = d.current
		d.current = d.newFilter()
	}
	return false
}
