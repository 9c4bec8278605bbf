package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/event"
	"github.com/ripplesync/ripple/notify"
	"github.com/ripplesync/ripple/registry"
	"github.com/ripplesync/ripple/telemetry"
)

// Matcher resolves the handlers interested in a change event
type Matcher interface {
	Match(entityType, recordID string) []registry.Handler
}

// Invalidator applies cache invalidation for a dispatched event
type Invalidator interface {
	Apply(ev event.ChangeEvent)
}

// Notifier records user-facing notifications
type Notifier interface {
	Push(n notify.Notification) notify.Notification
}

// Config configures the event dispatcher
type Config struct {
	Decoder      *event.Decoder
	Matcher      Matcher
	Invalidator  Invalidator  // Optional
	Notifier     Notifier     // Optional
	NotifyFilter *EntityFilter // Optional, limits which entities notify
	Dedupe       *Dedupe       // Optional duplicate suppression
}

// Dispatcher turns raw feed frames into handler invocations, cache
// invalidations and notifications. Dispatch is serialized: handlers for
// one event complete before the next frame is processed, which gives
// every entity in-order delivery.
type Dispatcher struct {
	decoder      *event.Decoder
	matcher      Matcher
	invalidator  Invalidator
	notifier     Notifier
	notifyFilter *EntityFilter
	dedupe       *Dedupe

	mu  sync.Mutex
	seq map[string]uint64 // Per-entity dispatch sequence
}

// NewDispatcher creates an event dispatcher
func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Decoder == nil {
		return nil, fmt.Errorf("frame decoder is required")
	}
	if config.Matcher == nil {
		return nil, fmt.Errorf("handler matcher is required")
	}

	return &Dispatcher{
		decoder:      config.Decoder,
		matcher:      config.Matcher,
		invalidator:  config.Invalidator,
		notifier:     config.Notifier,
		notifyFilter: config.NotifyFilter,
		dedupe:       config.Dedupe,
	}, nil
}

// HandleFrame processes one raw frame from the feed. Malformed frames are
// logged and dropped; they never disturb the dispatch of well-formed ones.
func (d *Dispatcher) HandleFrame(payload []byte) {
	ev, err := d.decoder.Decode(payload)
	if err != nil {
		telemetry.FramesTotal.With("malformed").Inc()
		log.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping malformed frame")
		return
	}

	if d.dedupe != nil && d.dedupe.Seen(ev.EntityType, ev.RecordID, ev.Timestamp.UnixNano(), payload) {
		telemetry.FramesTotal.With("duplicate").Inc()
		log.Debug().
			Str("entity", ev.EntityType).
			Str("record", ev.RecordID).
			Msg("Dropping redelivered frame")
		return
	}

	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seq == nil {
		d.seq = make(map[string]uint64)
	}
	d.seq[ev.EntityType]++
	ev.SeqNum = d.seq[ev.EntityType]

	handlers := d.matcher.Match(ev.EntityType, ev.RecordID)
	if len(handlers) == 0 {
		telemetry.FramesTotal.With("unmatched").Inc()
	} else {
		telemetry.FramesTotal.With("dispatched").Inc()
		for _, handler := range handlers {
			d.invoke(handler, ev)
		}
	}

	if d.invalidator != nil {
		d.invalidator.Apply(ev)
	}
	d.pushChangeNotification(ev)

	telemetry.DispatchDurationSeconds.Observe(time.Since(start).Seconds())
}

// invoke runs one handler, isolating panics so a faulty subscriber cannot
// break dispatch for the others.
func (d *Dispatcher) invoke(handler registry.Handler, ev event.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.HandlerErrorsTotal.Inc()
			log.Error().
				Interface("panic", r).
				Str("entity", ev.EntityType).
				Str("record", ev.RecordID).
				Uint64("seq", ev.SeqNum).
				Bytes("stack", debug.Stack()).
				Msg("Subscriber handler panicked")
		}
	}()

	handler(ev)
	telemetry.HandlersInvokedTotal.Inc()
}

func (d *Dispatcher) pushChangeNotification(ev event.ChangeEvent) {
	if d.notifier == nil {
		return
	}
	if d.notifyFilter != nil && !d.notifyFilter.Match(ev.EntityType) {
		return
	}

	d.notifier.Push(notify.Notification{
		Kind:       notify.KindChange,
		EntityType: ev.EntityType,
		RecordID:   ev.RecordID,
		Operation:  ev.Operation.String(),
		Message:    fmt.Sprintf("%s %s: %s", ev.EntityType, ev.RecordID, ev.Operation),
		Timestamp:  ev.Timestamp,
	})
}

// SignalGap records that a reconnect happened and events may have been
// missed. Subscribers see it as a notification; there is no replay.
func (d *Dispatcher) SignalGap() {
	if d.notifier == nil {
		return
	}

	d.notifier.Push(notify.Notification{
		Kind:    notify.KindGap,
		Message: "connection re-established; changes may have been missed, refresh to resynchronize",
	})
}
