package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/telemetry"
)

// DefaultMaxSize is the bound on buffered notifications. The oldest entry
// is evicted when a push would exceed it.
const DefaultMaxSize = 50

// defaultSignalBufferSize is the buffer size for subscriber channels.
// Sized to handle typical burst rates while keeping memory low.
// Subscribers that can't keep up will have notifications dropped (non-blocking send).
const defaultSignalBufferSize = 16

// storeHistoryMultiple controls how much history the backing store keeps
// relative to the in-memory bound.
const storeHistoryMultiple = 10

// subscriber represents a single OnNew listener.
type subscriber struct {
	id     uint64
	ch     chan Notification
	closed atomic.Bool
}

// close closes the subscriber channel if not already closed.
func (s *subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Config configures a notification buffer
type Config struct {
	MaxSize int
	Store   Store // Optional persistent history
}

// Buffer is a bounded FIFO of user-facing notifications. Thread-safe.
type Buffer struct {
	mu      sync.Mutex
	items   []Notification
	maxSize int
	store   Store
	nextID  atomic.Uint64

	subMu       sync.RWMutex
	subscribers map[uint64]*subscriber
	nextSubID   atomic.Uint64
}

// NewBuffer creates a notification buffer. When a store is configured, the
// newest persisted entries are loaded so history survives restarts.
func NewBuffer(config Config) *Buffer {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}

	b := &Buffer{
		maxSize:     config.MaxSize,
		store:       config.Store,
		subscribers: make(map[uint64]*subscriber),
	}

	if b.store != nil {
		entries, err := b.store.Recent(b.maxSize)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to restore notification history")
		} else {
			b.items = entries
			for _, n := range entries {
				if n.ID > b.nextID.Load() {
					b.nextID.Store(n.ID)
				}
			}
		}
	}

	return b
}

// Push appends a notification, evicting the oldest entry when the buffer
// is full. The ID and timestamp are assigned here; persistence and
// subscriber delivery never block the caller.
func (b *Buffer) Push(n Notification) Notification {
	n.ID = b.nextID.Add(1)
	n.Read = false
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.items = append(b.items, n)
	evicted := 0
	for len(b.items) > b.maxSize {
		b.items = b.items[1:]
		evicted++
	}
	b.mu.Unlock()

	telemetry.NotificationsPushedTotal.Inc()
	if evicted > 0 {
		telemetry.NotificationsEvictedTotal.Add(float64(evicted))
	}

	if b.store != nil {
		f := b.store.Append(n)
		go func() {
			if _, err := f.Get(); err != nil {
				log.Warn().Err(err).Uint64("id", n.ID).Msg("Failed to persist notification")
				return
			}
			if err := b.store.Trim(b.maxSize * storeHistoryMultiple); err != nil {
				log.Warn().Err(err).Msg("Failed to trim notification history")
			}
		}()
	}

	b.notify(n)
	return n
}

// notify sends to all subscribers (non-blocking).
func (b *Buffer) notify(n Notification) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for _, sub := range b.subscribers {
		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- n:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// List returns a snapshot of the buffered notifications, oldest first.
func (b *Buffer) List() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.items...)
}

// Len returns the number of buffered notifications
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// UnreadCount returns the number of unread notifications
func (b *Buffer) UnreadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	unread := 0
	for _, n := range b.items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

// MarkRead marks a single notification read. Returns false when the ID is
// not in the buffer (it may already have been evicted).
func (b *Buffer) MarkRead(id uint64) bool {
	b.mu.Lock()
	found := false
	for i := range b.items {
		if b.items[i].ID == id {
			b.items[i].Read = true
			found = true
			break
		}
	}
	b.mu.Unlock()

	if found && b.store != nil {
		if err := b.store.SetRead(id, true); err != nil {
			log.Warn().Err(err).Uint64("id", id).Msg("Failed to persist read state")
		}
	}
	return found
}

// MarkAllRead marks every buffered notification read and returns how many
// changed state.
func (b *Buffer) MarkAllRead() int {
	b.mu.Lock()
	var ids []uint64
	for i := range b.items {
		if !b.items[i].Read {
			b.items[i].Read = true
			ids = append(ids, b.items[i].ID)
		}
	}
	b.mu.Unlock()

	if b.store != nil {
		for _, id := range ids {
			if err := b.store.SetRead(id, true); err != nil {
				log.Warn().Err(err).Uint64("id", id).Msg("Failed to persist read state")
			}
		}
	}
	return len(ids)
}

// OnNew subscribes to pushed notifications and returns the channel and a
// cancel function. The channel is buffered; slow consumers miss entries
// rather than stalling dispatch. The cancel function is idempotent.
func (b *Buffer) OnNew() (<-chan Notification, func()) {
	sub := &subscriber{
		id: b.nextSubID.Add(1),
		ch: make(chan Notification, defaultSignalBufferSize),
	}

	b.subMu.Lock()
	b.subscribers[sub.id] = sub
	b.subMu.Unlock()

	cancel := func() {
		b.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscriber and closes its channel.
func (b *Buffer) unsubscribe(id uint64) {
	b.subMu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.subMu.Unlock()

	if ok {
		sub.close()
	}
}

// Close closes all subscriber channels
func (b *Buffer) Close() {
	b.subMu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uint64]*subscriber)
	b.subMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
