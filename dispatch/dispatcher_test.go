package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripplesync/ripple/cache"
	"github.com/ripplesync/ripple/event"
	"github.com/ripplesync/ripple/invalidate"
	"github.com/ripplesync/ripple/notify"
	"github.com/ripplesync/ripple/registry"
)

// noopRegistrar satisfies registry.Registrar for dispatch tests
type noopRegistrar struct{}

func (noopRegistrar) Register(event.Topic) error   { return nil }
func (noopRegistrar) Deregister(event.Topic) error { return nil }

func jsonFrame(t *testing.T, op, table string, record map[string]interface{}, ts time.Time) []byte {
	t.Helper()

	payload, err := json.Marshal(map[string]interface{}{
		"type":      op,
		"table":     table,
		"record":    record,
		"timestamp": ts.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	return payload
}

func newTestDispatcher(t *testing.T, config Config) (*Dispatcher, *registry.Registry) {
	t.Helper()

	reg := registry.NewRegistry(noopRegistrar{})
	decoder, err := event.NewDecoder("json")
	require.NoError(t, err)

	config.Decoder = decoder
	config.Matcher = reg

	d, err := NewDispatcher(config)
	require.NoError(t, err)
	return d, reg
}

func TestHandleFrame_DeliversToMatchingHandlers(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	var got []event.ChangeEvent
	cancel := reg.Subscribe(event.Topic{EntityType: "patients"}, func(ev event.ChangeEvent) {
		got = append(got, ev)
	})
	defer cancel()

	d.HandleFrame(jsonFrame(t, "insert", "patients",
		map[string]interface{}{"id": "42", "name": "x"}, time.Now()))

	require.Len(t, got, 1)
	assert.Equal(t, "patients", got[0].EntityType)
	assert.Equal(t, "42", got[0].RecordID)
	assert.Equal(t, event.OpInsert, got[0].Operation)
}

func TestHandleFrame_PerEntitySequenceNumbers(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	var patients, visits []uint64
	cancelP := reg.Subscribe(event.Topic{EntityType: "patients"}, func(ev event.ChangeEvent) {
		patients = append(patients, ev.SeqNum)
	})
	defer cancelP()
	cancelV := reg.Subscribe(event.Topic{EntityType: "visits"}, func(ev event.ChangeEvent) {
		visits = append(visits, ev.SeqNum)
	})
	defer cancelV()

	base := time.Now()
	for i := 0; i < 3; i++ {
		d.HandleFrame(jsonFrame(t, "insert", "patients",
			map[string]interface{}{"id": fmt.Sprintf("p%d", i)}, base.Add(time.Duration(i))))
	}
	d.HandleFrame(jsonFrame(t, "insert", "visits",
		map[string]interface{}{"id": "v1"}, base))

	assert.Equal(t, []uint64{1, 2, 3}, patients)
	assert.Equal(t, []uint64{1}, visits)
}

func TestHandleFrame_MalformedFrameIsDropped(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	invoked := false
	cancel := reg.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		invoked = true
	})
	defer cancel()

	d.HandleFrame([]byte("{not json"))
	d.HandleFrame(jsonFrame(t, "insert", "", map[string]interface{}{"id": "1"}, time.Now()))

	assert.False(t, invoked)

	// A well-formed frame afterwards still dispatches
	d.HandleFrame(jsonFrame(t, "insert", "patients",
		map[string]interface{}{"id": "1"}, time.Now()))
	assert.True(t, invoked)
}

func TestHandleFrame_PanickingHandlerIsIsolated(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	var order []string
	cancelA := reg.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		order = append(order, "a")
		panic("handler bug")
	})
	defer cancelA()
	cancelB := reg.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		order = append(order, "b")
	})
	defer cancelB()

	d.HandleFrame(jsonFrame(t, "insert", "patients",
		map[string]interface{}{"id": "1"}, time.Now()))

	// The panic in the first handler does not stop the second, and the
	// dispatcher keeps working for the next frame.
	assert.Equal(t, []string{"a", "b"}, order)

	d.HandleFrame(jsonFrame(t, "insert", "patients",
		map[string]interface{}{"id": "2"}, time.Now()))
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestHandleFrame_DuplicateFramesAreDropped(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{Dedupe: NewDedupe(0)})

	count := 0
	cancel := reg.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		count++
	})
	defer cancel()

	ts := time.Now()
	frame := jsonFrame(t, "update", "patients", map[string]interface{}{"id": "42"}, ts)
	d.HandleFrame(frame)
	d.HandleFrame(frame)

	assert.Equal(t, 1, count)

	// Same record at a different source timestamp is a new change
	d.HandleFrame(jsonFrame(t, "update", "patients",
		map[string]interface{}{"id": "42"}, ts.Add(time.Millisecond)))
	assert.Equal(t, 2, count)
}

func TestHandleFrame_CoarseTimestampsDoNotSuppressDistinctChanges(t *testing.T) {
	mock := cache.NewMockInvalidator()
	engine, err := invalidate.NewEngine(invalidate.Config{Cache: mock})
	require.NoError(t, err)

	d, reg := newTestDispatcher(t, Config{Dedupe: NewDedupe(0), Invalidator: engine})

	count := 0
	cancel := reg.Subscribe(event.Topic{EntityType: "patients"}, func(event.ChangeEvent) {
		count++
	})
	defer cancel()

	// Second-precision feed timestamps: two distinct updates to the same
	// record can share one timestamp. Only a byte-identical redelivery is
	// a duplicate.
	ts := time.Now().Truncate(time.Second)
	d.HandleFrame(jsonFrame(t, "update", "patients",
		map[string]interface{}{"id": "42", "status": "admitted"}, ts))
	d.HandleFrame(jsonFrame(t, "update", "patients",
		map[string]interface{}{"id": "42", "status": "discharged"}, ts))

	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"patients:42", "patients:list", "patients:42", "patients:list"},
		mock.CallLog())
}

func TestHandleFrame_AppliesInvalidation(t *testing.T) {
	mock := cache.NewMockInvalidator()
	engine, err := invalidate.NewEngine(invalidate.Config{Cache: mock})
	require.NoError(t, err)

	d, _ := newTestDispatcher(t, Config{Invalidator: engine})

	d.HandleFrame(jsonFrame(t, "update", "patients",
		map[string]interface{}{"id": "42", "name": "x"}, time.Now()))

	assert.Equal(t, []string{"patients:42", "patients:list"}, mock.CallLog())
}

func TestHandleFrame_InvalidationRunsWithoutHandlers(t *testing.T) {
	mock := cache.NewMockInvalidator()
	engine, err := invalidate.NewEngine(invalidate.Config{Cache: mock})
	require.NoError(t, err)

	d, _ := newTestDispatcher(t, Config{Invalidator: engine})

	// No subscriptions at all: the cache is still kept coherent.
	d.HandleFrame(jsonFrame(t, "delete", "patients", nil, time.Now()))
	// Frame is malformed for deletes without old_record, so nothing happens
	assert.Empty(t, mock.CallLog())

	payload, err := json.Marshal(map[string]interface{}{
		"type":       "delete",
		"table":      "patients",
		"old_record": map[string]interface{}{"id": "7"},
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	d.HandleFrame(payload)

	assert.Equal(t, []string{"patients:7", "patients:list"}, mock.CallLog())
}

func TestHandleFrame_PushesFilteredNotifications(t *testing.T) {
	buffer := notify.NewBuffer(notify.Config{})
	filter, err := NewEntityFilter([]string{"patients"})
	require.NoError(t, err)

	d, _ := newTestDispatcher(t, Config{Notifier: buffer, NotifyFilter: filter})

	d.HandleFrame(jsonFrame(t, "insert", "patients",
		map[string]interface{}{"id": "1"}, time.Now()))
	d.HandleFrame(jsonFrame(t, "insert", "audit_log",
		map[string]interface{}{"id": "2"}, time.Now()))

	items := buffer.List()
	require.Len(t, items, 1)
	assert.Equal(t, notify.KindChange, items[0].Kind)
	assert.Equal(t, "patients", items[0].EntityType)
	assert.Equal(t, "insert", items[0].Operation)
}

func TestSignalGap_PushesGapNotification(t *testing.T) {
	buffer := notify.NewBuffer(notify.Config{})
	d, _ := newTestDispatcher(t, Config{Notifier: buffer})

	d.SignalGap()

	items := buffer.List()
	require.Len(t, items, 1)
	assert.Equal(t, notify.KindGap, items[0].Kind)
}

func TestHandleFrame_ConcurrentFramesStayOrderedPerEntity(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	var mu sync.Mutex
	var seqs []uint64
	cancel := reg.Subscribe(event.Topic{EntityType: "patients"}, func(ev event.ChangeEvent) {
		mu.Lock()
		seqs = append(seqs, ev.SeqNum)
		mu.Unlock()
	})
	defer cancel()

	var wg sync.WaitGroup
	base := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.HandleFrame(jsonFrame(t, "insert", "patients",
				map[string]interface{}{"id": fmt.Sprintf("r%d", i)}, base.Add(time.Duration(i))))
		}(i)
	}
	wg.Wait()

	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}
