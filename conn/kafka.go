package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaTransport implements Transport over Kafka consumer groups. The feed
// publishes one topic per entity type, so narrow subjects (entity + record)
// share the entity-level reader; record filtering happens in the dispatcher.
type KafkaTransport struct {
	topicPrefix string

	mu      sync.Mutex
	opened  bool
	opts    OpenOptions
	cb      Callbacks
	brokers []string
	readers map[string]*kafkaReader // Keyed by entity-level topic
	ctx     context.Context
	cancel  context.CancelFunc
	failed  sync.Once
}

type kafkaReader struct {
	reader   *kafka.Reader
	refCount int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKafkaTransport creates an unopened Kafka transport
func NewKafkaTransport(topicPrefix string) *KafkaTransport {
	return &KafkaTransport{
		topicPrefix: topicPrefix,
		readers:     make(map[string]*kafkaReader),
	}
}

// Open validates broker reachability and prepares the consumer context
func (t *KafkaTransport) Open(ctx context.Context, opts OpenOptions, cb Callbacks) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opened {
		return fmt.Errorf("transport already open")
	}

	brokers := parseBrokers(opts.URL)
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers in URL %q", opts.URL)
	}

	// Probe the first broker so connection failures surface here, where the
	// manager's backoff policy handles them
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker: %w", err)
	}
	conn.Close()

	t.brokers = brokers
	t.opts = opts
	t.cb = cb
	t.opened = true
	t.failed = sync.Once{}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return nil
}

// parseBrokers extracts the broker list from a kafka:// URL
func parseBrokers(url string) []string {
	trimmed := strings.TrimPrefix(url, "kafka://")
	if trimmed == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(trimmed, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// entityTopic trims a subject to entity-level granularity
func (t *KafkaTransport) entityTopic(subject string) string {
	rest := subject
	if t.topicPrefix != "" {
		rest = strings.TrimPrefix(subject, t.topicPrefix+".")
	}
	entity, _, _ := strings.Cut(rest, ".")
	if t.topicPrefix == "" {
		return entity
	}
	return t.topicPrefix + "." + entity
}

// Subscribe starts (or refcounts) a reader for the subject's entity topic
func (t *KafkaTransport) Subscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.opened {
		return fmt.Errorf("transport not open")
	}

	topic := t.entityTopic(subject)
	if h, exists := t.readers[topic]; exists {
		h.refCount++
		return nil
	}

	readerCtx, cancel := context.WithCancel(t.ctx)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.brokers,
		GroupID:     fmt.Sprintf("ripple-%d", t.opts.ClientID),
		Topic:       topic,
		StartOffset: kafka.LastOffset,
	})

	h := &kafkaReader{
		reader:   r,
		refCount: 1,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.readers[topic] = h

	go t.consume(readerCtx, topic, h)
	return nil
}

// consume pumps messages from one topic reader into OnFrame
func (t *KafkaTransport) consume(ctx context.Context, topic string, h *kafkaReader) {
	defer close(h.done)

	for {
		msg, err := h.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka reader error")
			// One dead reader means the connection is no longer whole;
			// surface a single close so the manager reconnects everything
			t.failed.Do(func() {
				if t.cb.OnClosed != nil {
					t.cb.OnClosed(fmt.Errorf("kafka reader for %s: %w", topic, err))
				}
			})
			return
		}

		if t.cb.OnFrame != nil {
			t.cb.OnFrame(topic, msg.Value)
		}
	}
}

// Unsubscribe drops one reference to the subject's entity topic, closing
// the reader when the count reaches zero
func (t *KafkaTransport) Unsubscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	topic := t.entityTopic(subject)
	h, exists := t.readers[topic]
	if !exists {
		return nil
	}

	h.refCount--
	if h.refCount > 0 {
		return nil
	}

	delete(t.readers, topic)
	h.cancel()
	if err := h.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader for %s: %w", topic, err)
	}
	return nil
}

// Close stops all readers and marks the transport closed
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if !t.opened {
		t.mu.Unlock()
		return nil
	}
	t.opened = false
	t.cancel()
	readers := t.readers
	t.readers = make(map[string]*kafkaReader)
	t.mu.Unlock()

	for topic, h := range readers {
		if err := h.reader.Close(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Failed to close kafka reader")
		}
		<-h.done
	}
	return nil
}
