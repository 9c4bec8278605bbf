package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ripplesync/ripple/encoding"
)

// Frame is the raw wire message shape produced by the change feed.
// Anything that does not validate against this shape is dropped.
type Frame struct {
	Type      string                 `json:"type" msgpack:"type"`
	Table     string                 `json:"table" msgpack:"table"`
	Record    map[string]interface{} `json:"record" msgpack:"record"`
	OldRecord map[string]interface{} `json:"old_record,omitempty" msgpack:"old_record,omitempty"`
	Timestamp string                 `json:"timestamp" msgpack:"timestamp"`
}

// MalformedFrameError reports a frame that failed schema validation.
// Such frames are logged and dropped, never delivered to listeners.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// zstd frame magic, little-endian 0xFD2FB528
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Decoder converts raw transport payloads into validated ChangeEvents.
// Safe for concurrent use.
type Decoder struct {
	encoding string // "json" or "msgpack"
	zr       *zstd.Decoder
}

// NewDecoder creates a frame decoder for the given payload encoding
func NewDecoder(payloadEncoding string) (*Decoder, error) {
	switch payloadEncoding {
	case "json", "msgpack":
	default:
		return nil, fmt.Errorf("unknown frame encoding: %s", payloadEncoding)
	}

	zr, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Decoder{encoding: payloadEncoding, zr: zr}, nil
}

// Decode parses, validates and normalizes a raw payload.
// Payloads carrying the zstd magic are decompressed first.
// SeqNum is left at zero; the dispatcher assigns it per entity.
func (d *Decoder) Decode(payload []byte) (ChangeEvent, error) {
	if len(payload) == 0 {
		return ChangeEvent{}, &MalformedFrameError{Reason: "empty payload"}
	}

	if bytes.HasPrefix(payload, zstdMagic) {
		decompressed, err := d.zr.DecodeAll(payload, nil)
		if err != nil {
			return ChangeEvent{}, &MalformedFrameError{Reason: "zstd decompression failed", Err: err}
		}
		payload = decompressed
	}

	var frame Frame
	switch d.encoding {
	case "msgpack":
		if err := encoding.Unmarshal(payload, &frame); err != nil {
			return ChangeEvent{}, &MalformedFrameError{Reason: "msgpack decode failed", Err: err}
		}
	default:
		if err := json.Unmarshal(payload, &frame); err != nil {
			return ChangeEvent{}, &MalformedFrameError{Reason: "json decode failed", Err: err}
		}
	}

	return frame.ToChangeEvent()
}

// ToChangeEvent validates the frame and builds a normalized ChangeEvent
func (f *Frame) ToChangeEvent() (ChangeEvent, error) {
	var op Operation
	switch f.Type {
	case "insert":
		op = OpInsert
	case "update":
		op = OpUpdate
	case "delete":
		op = OpDelete
	case "":
		return ChangeEvent{}, &MalformedFrameError{Reason: "missing type"}
	default:
		return ChangeEvent{}, &MalformedFrameError{Reason: fmt.Sprintf("unrecognized type %q", f.Type)}
	}

	if f.Table == "" {
		return ChangeEvent{}, &MalformedFrameError{Reason: "missing table"}
	}

	switch op {
	case OpInsert, OpUpdate:
		if len(f.Record) == 0 {
			return ChangeEvent{}, &MalformedFrameError{Reason: "missing record"}
		}
	case OpDelete:
		if len(f.OldRecord) == 0 && len(f.Record) == 0 {
			return ChangeEvent{}, &MalformedFrameError{Reason: "delete frame missing record and old_record"}
		}
	}

	recordID := extractRecordID(f.Record)
	if recordID == "" {
		recordID = extractRecordID(f.OldRecord)
	}
	if recordID == "" {
		return ChangeEvent{}, &MalformedFrameError{Reason: "record id not found"}
	}

	if f.Timestamp == "" {
		return ChangeEvent{}, &MalformedFrameError{Reason: "missing timestamp"}
	}
	ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return ChangeEvent{}, &MalformedFrameError{Reason: "invalid timestamp", Err: err}
	}

	ev := ChangeEvent{
		EntityType: f.Table,
		Operation:  op,
		RecordID:   recordID,
		Timestamp:  ts,
	}

	switch op {
	case OpInsert:
		ev.After = f.Record
	case OpUpdate:
		ev.Before = f.OldRecord
		ev.After = f.Record
	case OpDelete:
		ev.Before = f.OldRecord
		if len(ev.Before) == 0 {
			ev.Before = f.Record
		}
	}

	return ev, nil
}

// extractRecordID pulls the primary key out of a record map.
// Feeds deliver IDs as strings or numbers depending on the source column.
func extractRecordID(record map[string]interface{}) string {
	raw, ok := record["id"]
	if !ok {
		return ""
	}

	switch v := raw.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		// JSON numbers decode as float64; integral IDs must not grow a fraction
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case uint64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
