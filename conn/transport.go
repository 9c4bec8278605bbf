package conn

import "context"

// OpenOptions carries the parameters for opening a feed connection
type OpenOptions struct {
	URL       string
	AuthToken string
	ClientID  uint64
}

// Callbacks are invoked by a transport from its own receive context.
// OnFrame delivers one raw payload per change notification. OnClosed fires
// once when an open connection is lost; it is not called after Close().
type Callbacks struct {
	OnFrame  func(subject string, payload []byte)
	OnClosed func(err error)
}

// Transport is a single logical connection to the change feed.
// Implementations must not reconnect on their own; connection lifecycle
// is owned entirely by the Manager.
type Transport interface {
	// Open establishes the connection. Blocks until connected or failed.
	Open(ctx context.Context, opts OpenOptions, cb Callbacks) error
	// Subscribe registers interest in a subject on the open connection
	Subscribe(subject string) error
	// Unsubscribe removes a subject registration
	Unsubscribe(subject string) error
	// Close tears the connection down. Safe to call when not open.
	Close() error
}
