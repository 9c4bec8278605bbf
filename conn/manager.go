package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State of the feed connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond
)

// Config configures the connection manager
type Config struct {
	Transport   Transport
	URL         string
	AuthToken   string
	ClientID    uint64
	MaxAttempts int           // Retry attempts before Failed
	BaseDelay   time.Duration // Initial backoff delay
	MaxDelay    time.Duration // Backoff cap

	// OnFrame receives every raw payload from the transport
	OnFrame func(subject string, payload []byte)
	// OnOpen runs after the transport opens but before the state is
	// reported Connected. Subscription replay happens here so consumers
	// never observe Connected with unregistered channels. resumed is true
	// when this open follows a dropped connection.
	OnOpen func(resumed bool)
	// OnStateChange observes every state transition
	OnStateChange func(State)
	// OnRetry observes each scheduled backoff (attempt number, delay)
	OnRetry func(attempt int, delay time.Duration)
}

// Manager owns the single logical connection to the change feed and the
// reconnection policy: bounded exponential backoff, terminal Failed state,
// manual reconnect override.
type Manager struct {
	config Config

	mu            sync.Mutex
	state         State
	attempts      int
	retry         *retryTimer
	lastDelay     time.Duration
	everConnected bool
	gen           uint64 // Connection generation; stale transport callbacks are dropped
}

// NewManager creates a connection manager in the Disconnected state
func NewManager(config Config) (*Manager, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}

	return &Manager{
		config: config,
		state:  Disconnected,
	}, nil
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats is a point-in-time snapshot for status reporting
type Stats struct {
	State         State
	Attempts      int
	LastDelay     time.Duration
	EverConnected bool
}

// Stats returns a snapshot of the connection state
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:         m.state,
		Attempts:      m.attempts,
		LastDelay:     m.lastDelay,
		EverConnected: m.everConnected,
	}
}

// Connect initiates the connection. Idempotent: a no-op while already
// Connecting or Connected. Any pending retry timer is cancelled and the
// attempt counter starts from zero, so connecting out of Failed behaves
// like a manual reconnect.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.retry.Cancel()
	m.retry = nil
	m.attempts = 0
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	go m.attempt(gen)
}

// Disconnect tears the connection down for good: cancels any pending retry
// timer, closes the transport and transitions to Disconnected. Used only on
// full teardown.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.retry.Cancel()
	m.retry = nil
	m.gen++ // Invalidate in-flight attempts and transport callbacks
	m.attempts = 0
	wasDisconnected := m.state == Disconnected
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if !wasDisconnected {
		if err := m.config.Transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close feed transport")
		}
	}
}

// ReconnectNow is the manual override: cancels the backoff timer, resets the
// attempt counter and connects immediately. Usable from Reconnecting or
// Failed; a no-op in other states.
func (m *Manager) ReconnectNow() {
	m.mu.Lock()
	if m.state != Reconnecting && m.state != Failed {
		m.mu.Unlock()
		return
	}
	m.retry.Cancel()
	m.retry = nil
	m.attempts = 0
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	log.Info().Msg("Manual reconnect requested")
	go m.attempt(gen)
}

// Subscribe registers a subject on the underlying transport
func (m *Manager) Subscribe(subject string) error {
	return m.config.Transport.Subscribe(subject)
}

// Unsubscribe removes a subject registration from the underlying transport
func (m *Manager) Unsubscribe(subject string) error {
	return m.config.Transport.Unsubscribe(subject)
}

// attempt performs one connection attempt for the given generation
func (m *Manager) attempt(gen uint64) {
	cb := Callbacks{
		OnFrame: func(subject string, payload []byte) {
			if m.config.OnFrame != nil {
				m.config.OnFrame(subject, payload)
			}
		},
		OnClosed: func(err error) {
			m.handleClosed(gen, err)
		},
	}

	err := m.config.Transport.Open(context.Background(), OpenOptions{
		URL:       m.config.URL,
		AuthToken: m.config.AuthToken,
		ClientID:  m.config.ClientID,
	}, cb)

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		// Disconnected (or superseded) while the attempt was in flight
		m.mu.Unlock()
		if err == nil {
			m.config.Transport.Close()
		}
		return
	}

	if err != nil {
		m.failLocked(err) // Unlocks
		return
	}

	m.attempts = 0
	resumed := m.everConnected
	m.everConnected = true
	m.mu.Unlock()

	// Replay active subscriptions before anyone sees Connected
	if m.config.OnOpen != nil {
		m.config.OnOpen(resumed)
	}

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		// Dropped or torn down during the replay hook; the backoff path
		// already owns the state
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connected)
	m.mu.Unlock()

	log.Info().Str("url", m.config.URL).Bool("resumed", resumed).Msg("Feed connection established")
}

// handleClosed reacts to a transport-level close of an open connection
func (m *Manager) handleClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || (m.state != Connected && m.state != Connecting) {
		m.mu.Unlock()
		return
	}
	log.Warn().Err(err).Msg("Feed connection lost")
	m.failLocked(err) // Unlocks
}

// failLocked applies the backoff policy after a failed attempt or a dropped
// connection. Called with mu held; releases it.
func (m *Manager) failLocked(cause error) {
	m.attempts++
	attempt := m.attempts

	if attempt > m.config.MaxAttempts {
		m.setStateLocked(Failed)
		m.mu.Unlock()
		log.Error().
			Err(cause).
			Int("attempts", m.config.MaxAttempts).
			Msg("Reconnect attempts exhausted, connection failed")
		return
	}

	delay := m.backoffDelay(attempt)
	m.lastDelay = delay
	gen := m.gen
	m.setStateLocked(Reconnecting)
	m.retry = newRetryTimer(delay, func() {
		m.retryFired(gen)
	})
	m.mu.Unlock()

	log.Warn().
		Err(cause).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Msg("Feed connection attempt failed, retrying")

	if m.config.OnRetry != nil {
		m.config.OnRetry(attempt, delay)
	}
}

// retryFired runs when a backoff timer elapses
func (m *Manager) retryFired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.attempt(gen)
}

// backoffDelay computes min(base * 2^(attempt-1), max)
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxDelay {
			return m.config.MaxDelay
		}
	}
	if delay > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return delay
}

// setStateLocked transitions the state and notifies the observer.
// Called with mu held.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next

	log.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Connection state transition")

	if m.config.OnStateChange != nil {
		// Runs on its own goroutine; the observer must re-read State()
		// rather than rely on delivery order
		go m.config.OnStateChange(next)
	}
}
