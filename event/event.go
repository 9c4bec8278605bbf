package event

import (
	"fmt"
	"sort"
	"time"
)

// Operation types for change events
type Operation uint8

const (
	OpInsert Operation = 0
	OpUpdate Operation = 1
	OpDelete Operation = 2
)

// String returns the wire name of the operation
func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// ChangeEvent is a normalized change notification delivered to subscribers.
// Immutable once constructed; handlers must not mutate Before/After maps.
type ChangeEvent struct {
	EntityType string
	Operation  Operation
	RecordID   string
	Before     map[string]interface{} // Old values (nil for inserts)
	After      map[string]interface{} // New values (nil for deletes)
	Timestamp  time.Time
	SeqNum     uint64 // Per-entity monotonic, assigned locally at dispatch
}

// ChangedFields returns the sorted set of field names whose values differ
// between Before and After. For inserts and deletes every present field
// counts as changed.
func (e ChangeEvent) ChangedFields() []string {
	changed := make(map[string]struct{})

	switch e.Operation {
	case OpInsert:
		for k := range e.After {
			changed[k] = struct{}{}
		}
	case OpDelete:
		for k := range e.Before {
			changed[k] = struct{}{}
		}
	case OpUpdate:
		for k, after := range e.After {
			before, ok := e.Before[k]
			if !ok || fmt.Sprint(before) != fmt.Sprint(after) {
				changed[k] = struct{}{}
			}
		}
		for k := range e.Before {
			if _, ok := e.After[k]; !ok {
				changed[k] = struct{}{}
			}
		}
	}

	fields := make([]string, 0, len(changed))
	for k := range changed {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Topic identifies a subscribable stream: an entity type plus an optional
// record filter. An empty RecordID subscribes to all changes on the entity.
type Topic struct {
	EntityType string
	RecordID   string
}

// Key returns the registry key for the topic
func (t Topic) Key() string {
	if t.RecordID == "" {
		return t.EntityType
	}
	return t.EntityType + "/" + t.RecordID
}

// Subject returns the transport subject for the topic
func (t Topic) Subject(prefix string) string {
	subject := t.EntityType
	if t.RecordID != "" {
		subject = t.EntityType + "." + t.RecordID
	}
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// Broad reports whether the topic covers all records of its entity type
func (t Topic) Broad() bool {
	return t.RecordID == ""
}
