package notify

import (
	"sort"
	"sync"

	"github.com/jizhuozhi/go-future"
)

// Store persists notification history beyond the in-memory buffer.
// Append is asynchronous: the returned future resolves once the entry is
// durable, so pushes never block on storage.
type Store interface {
	Append(n Notification) *future.Future[error]
	SetRead(id uint64, read bool) error
	Recent(limit int) ([]Notification, error)
	Trim(keep int) error
	Close() error
}

// MemoryStore keeps history in memory. Used when no data directory is
// configured and as the reference implementation in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uint64]Notification
}

// NewMemoryStore creates an in-memory notification store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uint64]Notification)}
}

func (s *MemoryStore) Append(n Notification) *future.Future[error] {
	s.mu.Lock()
	s.entries[n.ID] = n
	s.mu.Unlock()

	p := future.NewPromise[error]()
	p.Set(nil, nil)
	return p.Future()
}

func (s *MemoryStore) SetRead(id uint64, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.entries[id]
	if !ok {
		return nil
	}
	n.Read = read
	s.entries[id] = n
	return nil
}

// Recent returns up to limit entries, oldest first.
func (s *MemoryStore) Recent(limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Notification, 0, len(s.entries))
	for _, n := range s.entries {
		all = append(all, n)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *MemoryStore) Trim(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep <= 0 || len(s.entries) <= keep {
		return nil
	}

	ids := make([]uint64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids[:len(ids)-keep] {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
