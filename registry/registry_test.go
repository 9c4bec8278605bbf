package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ripplesync/ripple/event"
)

// recordingRegistrar tracks channel registrations for invariant checks
type recordingRegistrar struct {
	mu         sync.Mutex
	registered map[string]bool
	registers  []string
	deregs     []string
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{registered: make(map[string]bool)}
}

func (r *recordingRegistrar) Register(topic event.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[topic.Key()] = true
	r.registers = append(r.registers, topic.Key())
	return nil
}

func (r *recordingRegistrar) Deregister(topic event.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, topic.Key())
	r.deregs = append(r.deregs, topic.Key())
	return nil
}

func (r *recordingRegistrar) channels() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.registered))
	for k, v := range r.registered {
		out[k] = v
	}
	return out
}

func TestSubscribe_OpensChannelOnFirstListener(t *testing.T) {
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	dispose := r.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {})

	assert.Equal(t, map[string]bool{"patients": true}, registrar.channels())
	assert.Equal(t, 1, r.TopicCount())

	dispose()
	assert.Empty(t, registrar.channels())
	assert.Equal(t, 0, r.TopicCount())
}

func TestSubscribe_RefCounting(t *testing.T) {
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	topic := event.Topic{EntityType: "orders"}
	d1 := r.Subscribe(topic, func(event.ChangeEvent) {})
	d2 := r.Subscribe(topic, func(event.ChangeEvent) {})

	// One channel registration regardless of listener count
	assert.Equal(t, []string{"orders"}, registrar.registers)
	assert.Equal(t, 2, r.ListenerCount())

	d1()
	// Channel stays open while a listener remains
	assert.Equal(t, map[string]bool{"orders": true}, registrar.channels())
	assert.Equal(t, 1, r.ListenerCount())

	d2()
	assert.Empty(t, registrar.channels())
	assert.Equal(t, 0, r.TopicCount())
}

func TestDisposer_Idempotent(t *testing.T) {
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	topic := event.Topic{EntityType: "orders"}
	d1 := r.Subscribe(topic, func(event.ChangeEvent) {})
	d2 := r.Subscribe(topic, func(event.ChangeEvent) {})

	d1()
	d1() // Double-dispose must not decrement the second listener
	assert.Equal(t, 1, r.ListenerCount())
	assert.Equal(t, map[string]bool{"orders": true}, registrar.channels())

	d2()
	assert.Equal(t, 0, r.TopicCount())
}

func TestChannelsMatchRefcountedTopics(t *testing.T) {
	// The invariant: at any point, channel-backed topics == topics with
	// refcount > 0, over an arbitrary subscribe/unsubscribe sequence.
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	check := func() {
		t.Helper()
		active := make(map[string]bool)
		for _, topic := range r.ActiveTopics() {
			active[topic.Key()] = true
		}
		assert.Equal(t, active, registrar.channels())
	}

	var disposers []func()
	topics := []event.Topic{
		{EntityType: "patients"},
		{EntityType: "patients", RecordID: "42"},
		{EntityType: "orders"},
		{EntityType: "patients"},
		{EntityType: "invoices", RecordID: "7"},
	}
	for _, topic := range topics {
		disposers = append(disposers, r.Subscribe(topic, func(event.ChangeEvent) {}))
		check()
	}
	for _, i := range []int{3, 0, 4, 1, 2} {
		disposers[i]()
		check()
	}
	assert.Equal(t, 0, r.TopicCount())
}

func TestMatch_BroadAndNarrowInRegistrationOrder(t *testing.T) {
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	var order []string
	r.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		order = append(order, "broad-1")
	})
	r.Subscribe(event.Topic{EntityType: "patients", RecordID: "42"}, func(event.ChangeEvent) {
		order = append(order, "narrow")
	})
	r.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		order = append(order, "broad-2")
	})

	handlers := r.Match("patients", "42")
	assert.Len(t, handlers, 3)
	for _, h := range handlers {
		h(event.ChangeEvent{})
	}
	assert.Equal(t, []string{"broad-1", "narrow", "broad-2"}, order)

	// Different record only matches broad listeners
	assert.Len(t, r.Match("patients", "99"), 2)
	assert.Empty(t, r.Match("invoices", "1"))
}

func TestReplay_RegistersAllActiveTopics(t *testing.T) {
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	r.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {})
	r.Subscribe(event.Topic{EntityType: "orders"}, func(event.ChangeEvent) {})
	r.Subscribe(event.Topic{EntityType: "orders"}, func(event.ChangeEvent) {}) // Same topic

	registrar.mu.Lock()
	registrar.registers = nil
	registrar.mu.Unlock()

	r.Replay()

	registrar.mu.Lock()
	defer registrar.mu.Unlock()
	assert.ElementsMatch(t, []string{"patients", "orders"}, registrar.registers)
}

func TestClear_EmptiesRegistry(t *testing.T) {
	registrar := newRecordingRegistrar()
	r := NewRegistry(registrar)

	r.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {})
	r.Subscribe(event.Topic{EntityType: "orders", RecordID: "1"}, func(event.ChangeEvent) {})

	r.Clear()

	assert.Equal(t, 0, r.TopicCount())
	assert.Equal(t, 0, r.ListenerCount())
	assert.Empty(t, registrar.channels())
}
