package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NatsTransport implements Transport over a core NATS connection.
// Automatic reconnection is disabled: the Manager owns retry policy, so a
// dropped connection surfaces as OnClosed and nothing else.
type NatsTransport struct {
	mu      sync.Mutex
	nc      *nats.Conn
	subs    map[string]*nats.Subscription
	cb      Callbacks
	closing bool // Deliberate close in progress; suppress OnClosed
}

// NewNatsTransport creates an unopened NATS transport
func NewNatsTransport() *NatsTransport {
	return &NatsTransport{
		subs: make(map[string]*nats.Subscription),
	}
}

// Open connects to the NATS server
func (t *NatsTransport) Open(ctx context.Context, opts OpenOptions, cb Callbacks) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil {
		return fmt.Errorf("transport already open")
	}

	natsOpts := []nats.Option{
		nats.Name(fmt.Sprintf("ripple-%d", opts.ClientID)),
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.handleClosed(nc.LastError())
		}),
	}
	if opts.AuthToken != "" {
		natsOpts = append(natsOpts, nats.Token(opts.AuthToken))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t.nc = nc
	t.cb = cb
	t.closing = false
	return nil
}

// handleClosed forwards an unexpected connection loss to the manager
func (t *NatsTransport) handleClosed(err error) {
	t.mu.Lock()
	deliberate := t.closing
	cb := t.cb
	t.nc = nil
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	if deliberate || cb.OnClosed == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("nats connection closed")
	}
	cb.OnClosed(err)
}

// Subscribe registers a subject on the open connection
func (t *NatsTransport) Subscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc == nil {
		return fmt.Errorf("transport not open")
	}
	if _, exists := t.subs[subject]; exists {
		return nil
	}

	cb := t.cb
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		if cb.OnFrame != nil {
			cb.OnFrame(msg.Subject, msg.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	t.subs[subject] = sub
	return nil
}

// Unsubscribe removes a subject registration
func (t *NatsTransport) Unsubscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subs[subject]
	if !exists {
		return nil
	}
	delete(t.subs, subject)

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Close tears down the connection without triggering OnClosed
func (t *NatsTransport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.closing = true
	t.nc = nil
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}
