package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/event"
)

// Handler receives normalized change events for a subscription
type Handler func(event.ChangeEvent)

// Registrar manages underlying channel registrations for topics.
// Backed by the connection manager; a no-op while disconnected since the
// replay on reconnect re-registers every active topic anyway.
type Registrar interface {
	Register(topic event.Topic) error
	Deregister(topic event.Topic) error
}

// handlerRef is one listener registration within a topic entry
type handlerRef struct {
	id uint64
	fn Handler
}

// entry tracks the listeners of one topic. The listener refcount is
// len(handlers); the topic holds a channel registration iff that is > 0.
type entry struct {
	topic    event.Topic
	handlers []*handlerRef
}

// Registry maps topics to listener sets with reference counting and owns
// the channel registration lifecycle.
type Registry struct {
	mu        sync.Mutex
	topics    map[string]*entry
	nextID    atomic.Uint64
	registrar Registrar
}

// NewRegistry creates an empty subscription registry
func NewRegistry(registrar Registrar) *Registry {
	return &Registry{
		topics:    make(map[string]*entry),
		registrar: registrar,
	}
}

// Subscribe adds a listener for the topic and returns its disposer.
// The first listener of a topic opens the underlying channel; the disposer
// of the last one closes it. Disposers are idempotent.
func (r *Registry) Subscribe(topic event.Topic, handler Handler) func() {
	ref := &handlerRef{
		id: r.nextID.Add(1),
		fn: handler,
	}

	r.mu.Lock()
	key := topic.Key()
	e, exists := r.topics[key]
	if !exists {
		e = &entry{topic: topic}
		r.topics[key] = e
	}
	e.handlers = append(e.handlers, ref)
	refCount := len(e.handlers)
	r.mu.Unlock()

	if refCount == 1 {
		if err := r.registrar.Register(topic); err != nil {
			log.Warn().Err(err).Str("topic", key).Msg("Failed to register channel for topic")
		}
	}

	log.Debug().Str("topic", key).Int("refcount", refCount).Msg("Subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unsubscribe(key, ref.id)
		})
	}
}

// unsubscribe removes one listener, tearing down the topic when the
// refcount reaches zero
func (r *Registry) unsubscribe(key string, id uint64) {
	r.mu.Lock()
	e, exists := r.topics[key]
	if !exists {
		r.mu.Unlock()
		return
	}

	for i, ref := range e.handlers {
		if ref.id == id {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			break
		}
	}

	refCount := len(e.handlers)
	var topic event.Topic
	if refCount == 0 {
		topic = e.topic
		delete(r.topics, key)
	}
	r.mu.Unlock()

	if refCount == 0 {
		if err := r.registrar.Deregister(topic); err != nil {
			log.Warn().Err(err).Str("topic", key).Msg("Failed to deregister channel for topic")
		}
	}

	log.Debug().Str("topic", key).Int("refcount", refCount).Msg("Unsubscribed")
}

// Match returns the handlers listening to the given entity and record:
// broad subscriptions on the entity type plus narrow subscriptions on the
// exact record, merged in registration order.
func (r *Registry) Match(entityType, recordID string) []Handler {
	r.mu.Lock()
	var refs []*handlerRef
	if e, ok := r.topics[event.Topic{EntityType: entityType}.Key()]; ok {
		refs = append(refs, e.handlers...)
	}
	if recordID != "" {
		if e, ok := r.topics[event.Topic{EntityType: entityType, RecordID: recordID}.Key()]; ok {
			refs = append(refs, e.handlers...)
		}
	}
	r.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })

	handlers := make([]Handler, len(refs))
	for i, ref := range refs {
		handlers[i] = ref.fn
	}
	return handlers
}

// ActiveTopics returns a snapshot of every topic with refcount > 0
func (r *Registry) ActiveTopics() []event.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]event.Topic, 0, len(r.topics))
	for _, e := range r.topics {
		topics = append(topics, e.topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Key() < topics[j].Key() })
	return topics
}

// TopicCount returns the number of active topics
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// ListenerCount returns the total listener refcount across all topics
func (r *Registry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, e := range r.topics {
		total += len(e.handlers)
	}
	return total
}

// Replay re-issues channel registration for every active topic in one
// batch. Runs after a reconnect, before the connection is reported usable,
// so no consumer can observe a live connection with missing channels.
func (r *Registry) Replay() {
	topics := r.ActiveTopics()
	if len(topics) == 0 {
		return
	}

	replayed := 0
	for _, topic := range topics {
		if err := r.registrar.Register(topic); err != nil {
			log.Warn().Err(err).Str("topic", topic.Key()).Msg("Failed to replay topic registration")
			continue
		}
		replayed++
	}

	log.Info().Int("topics", replayed).Msg("Replayed subscriptions after reconnect")
}

// Clear deregisters and removes every topic. Used on full teardown; the
// registry is guaranteed empty afterwards.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.topics))
	for _, e := range r.topics {
		entries = append(entries, e)
	}
	r.topics = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if err := r.registrar.Deregister(e.topic); err != nil {
			log.Warn().Err(err).Str("topic", e.topic.Key()).Msg("Failed to deregister topic during teardown")
		}
	}
}
