package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/cache"
	"github.com/ripplesync/ripple/conn"
	"github.com/ripplesync/ripple/dispatch"
	"github.com/ripplesync/ripple/event"
	"github.com/ripplesync/ripple/invalidate"
	"github.com/ripplesync/ripple/notify"
	"github.com/ripplesync/ripple/registry"
	"github.com/ripplesync/ripple/telemetry"
)

// Config configures a sync client
type Config struct {
	Transport   conn.Transport
	FeedURL     string
	AuthToken   string
	ClientID    uint64
	TopicPrefix string
	Encoding    string // "json" or "msgpack"

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	Cache          cache.Invalidator // Optional external cache
	Session        invalidate.SessionInfo
	CoalesceWindow time.Duration
	Rules          []invalidate.Rule

	DedupeEnabled  bool
	DedupeCapacity int

	NotificationBufferSize int
	NotificationTables     []string     // Glob patterns; empty = all tables
	NotificationStore      notify.Store // Optional persistent history
}

// Client is the facade over the sync machinery: one connection, a
// subscription registry, the dispatcher and the notification buffer.
type Client struct {
	manager    *conn.Manager
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	buffer     *notify.Buffer
	engine     *invalidate.Engine

	topicPrefix string

	lifecycleMu sync.Mutex
	running     atomic.Bool

	sessionStart atomic.Int64 // Unix nanos of the current Connected session
}

// registrar bridges the subscription registry to the connection manager.
// Registrations while the transport is down are dropped; the replay on
// reconnect re-registers every active topic. Replay runs while the state
// is still Connecting, so Connecting delegates too.
type registrar struct {
	c *Client
}

func (r registrar) transportUp() bool {
	switch r.c.manager.State() {
	case conn.Connecting, conn.Connected:
		return true
	}
	return false
}

func (r registrar) Register(topic event.Topic) error {
	if !r.transportUp() {
		return nil
	}
	return r.c.manager.Subscribe(topic.Subject(r.c.topicPrefix))
}

func (r registrar) Deregister(topic event.Topic) error {
	if !r.transportUp() {
		return nil
	}
	return r.c.manager.Unsubscribe(topic.Subject(r.c.topicPrefix))
}

// NewClient creates a sync client. The client starts disconnected; call
// Start to open the feed connection.
func NewClient(config Config) (*Client, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Encoding == "" {
		config.Encoding = "json"
	}

	c := &Client{topicPrefix: config.TopicPrefix}

	c.registry = registry.NewRegistry(registrar{c})

	c.buffer = notify.NewBuffer(notify.Config{
		MaxSize: config.NotificationBufferSize,
		Store:   config.NotificationStore,
	})

	if config.Cache != nil {
		engine, err := invalidate.NewEngine(invalidate.Config{
			Cache:          config.Cache,
			Session:        config.Session,
			CoalesceWindow: config.CoalesceWindow,
			Rules:          config.Rules,
		})
		if err != nil {
			return nil, err
		}
		c.engine = engine
	}

	decoder, err := event.NewDecoder(config.Encoding)
	if err != nil {
		return nil, err
	}

	notifyFilter, err := dispatch.NewEntityFilter(config.NotificationTables)
	if err != nil {
		return nil, fmt.Errorf("invalid notification filter: %w", err)
	}

	var dedupe *dispatch.Dedupe
	if config.DedupeEnabled {
		dedupe = dispatch.NewDedupe(config.DedupeCapacity)
	}

	dispatchConfig := dispatch.Config{
		Decoder:      decoder,
		Matcher:      c.registry,
		Notifier:     c.buffer,
		NotifyFilter: notifyFilter,
		Dedupe:       dedupe,
	}
	if c.engine != nil {
		dispatchConfig.Invalidator = c.engine
	}

	c.dispatcher, err = dispatch.NewDispatcher(dispatchConfig)
	if err != nil {
		return nil, err
	}

	c.manager, err = conn.NewManager(conn.Config{
		Transport:   config.Transport,
		URL:         config.FeedURL,
		AuthToken:   config.AuthToken,
		ClientID:    config.ClientID,
		MaxAttempts: config.MaxAttempts,
		BaseDelay:   config.BaseDelay,
		MaxDelay:    config.MaxDelay,
		OnFrame: func(_ string, payload []byte) {
			c.dispatcher.HandleFrame(payload)
		},
		OnOpen:        c.handleOpen,
		OnStateChange: c.handleStateChange,
		OnRetry: func(attempt int, delay time.Duration) {
			telemetry.ReconnectAttemptsTotal.With("failed").Inc()
			telemetry.ReconnectDelaySeconds.Observe(delay.Seconds())
			log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Feed connection lost, retrying with backoff")
		},
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// handleOpen runs after the transport opens, before Connected is
// observable. Replaying here guarantees no event can slip past an active
// subscription during the reconnect.
func (c *Client) handleOpen(resumed bool) {
	replayed := c.registry.TopicCount()
	c.registry.Replay()

	if resumed {
		telemetry.ConnectionsTotal.With("resumed").Inc()
		telemetry.ReconnectAttemptsTotal.With("success").Inc()
		telemetry.TopicsReplayedTotal.Add(float64(replayed))
		c.dispatcher.SignalGap()
		log.Info().Int("topics", replayed).Msg("Feed connection resumed, topics replayed")
	} else {
		telemetry.ConnectionsTotal.With("initial").Inc()
		log.Info().Msg("Feed connection established")
	}
}

func (c *Client) handleStateChange(state conn.State) {
	for _, s := range []conn.State{conn.Disconnected, conn.Connecting, conn.Connected, conn.Reconnecting, conn.Failed} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		telemetry.ConnectionState.With(s.String()).Set(v)
	}

	switch state {
	case conn.Connected:
		c.sessionStart.Store(time.Now().UnixNano())
	case conn.Reconnecting, conn.Disconnected, conn.Failed:
		if start := c.sessionStart.Swap(0); start != 0 {
			telemetry.SessionDurationSeconds.Observe(time.Since(time.Unix(0, start)).Seconds())
			if state != conn.Disconnected {
				telemetry.ConnectionDropsTotal.Inc()
			}
		}
		if state == conn.Failed {
			telemetry.ReconnectExhaustedTotal.Inc()
			log.Error().Msg("Reconnect attempts exhausted, call ReconnectNow to resume")
		}
	}

	log.Debug().Str("state", state.String()).Msg("Connection state changed")
}

// Start opens the feed connection. Idempotent.
func (c *Client) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.manager.Connect()
}

// Stop closes the feed connection but keeps subscriptions registered, so
// a later Start resumes them via replay. Idempotent.
func (c *Client) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.manager.Disconnect()
}

// Close stops the client and tears down all subscriptions and
// notification listeners.
func (c *Client) Close() {
	c.Stop()
	c.registry.Clear()
	c.buffer.Close()
}

// Subscribe registers a handler for changes to an entity type, or to a
// single record when recordID is non-empty. The returned disposer is
// idempotent.
func (c *Client) Subscribe(entityType, recordID string, handler registry.Handler) (func(), error) {
	if entityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	topic := event.Topic{EntityType: entityType, RecordID: recordID}
	return c.registry.Subscribe(topic, handler), nil
}

// ConnectionState returns the current feed connection state
func (c *Client) ConnectionState() conn.State {
	return c.manager.State()
}

// ReconnectNow resets the backoff and retries immediately. Only
// meaningful while reconnecting or failed; ignored otherwise.
func (c *Client) ReconnectNow() {
	c.manager.ReconnectNow()
}

// Notifications returns the notification buffer
func (c *Client) Notifications() *notify.Buffer {
	return c.buffer
}

// ActiveTopics returns the currently subscribed topics
func (c *Client) ActiveTopics() []event.Topic {
	return c.registry.ActiveTopics()
}

// Stats is a point-in-time snapshot for the admin API
type Stats struct {
	Connection conn.Stats
	Topics     int
	Listeners  int
	Unread     int
}

// GetStats returns a snapshot of client state
func (c *Client) GetStats() Stats {
	return Stats{
		Connection: c.manager.Stats(),
		Topics:     c.registry.TopicCount(),
		Listeners:  c.registry.ListenerCount(),
		Unread:     c.buffer.UnreadCount(),
	}
}

// SubscriptionStats implements telemetry.StatsProvider
func (c *Client) SubscriptionStats() (topics, listeners int) {
	return c.registry.TopicCount(), c.registry.ListenerCount()
}

// UnreadNotifications implements telemetry.StatsProvider
func (c *Client) UnreadNotifications() int {
	return c.buffer.UnreadCount()
}
