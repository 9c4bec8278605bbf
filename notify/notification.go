package notify

import (
	"time"
)

// Kind classifies a notification entry.
type Kind string

const (
	// KindChange is a user-facing record of a dispatched change event.
	KindChange Kind = "change"

	// KindGap marks a reconnect during which events may have been missed.
	// Consumers should refetch rather than trust their local view.
	KindGap Kind = "gap"
)

// Notification is one entry in the notification buffer.
type Notification struct {
	ID         uint64    `msgpack:"id" json:"id"`
	Kind       Kind      `msgpack:"kind" json:"kind"`
	EntityType string    `msgpack:"entity_type,omitempty" json:"entityType,omitempty"`
	RecordID   string    `msgpack:"record_id,omitempty" json:"recordId,omitempty"`
	Operation  string    `msgpack:"operation,omitempty" json:"operation,omitempty"`
	Message    string    `msgpack:"message" json:"message"`
	Read       bool      `msgpack:"read" json:"read"`
	Timestamp  time.Time `msgpack:"timestamp" json:"timestamp"`
}
