package cell

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dotlock/internal/identity"
	"github.com/roach88/dotlock/internal/ownership"
)

// Timestamp is a store-assigned write time in milliseconds since the Unix
// epoch. It is informational only; the protocol never orders by it.
type Timestamp int64

// ServerTimestamp is the placeholder a writer leaves in Record.Timestamp.
// The store replaces it with its own clock at write time.
const ServerTimestamp Timestamp = 0

// TimestampOf converts a wall-clock time to a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts ts back to a wall-clock time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts))
}

// Record is the payload of the ownership cell.
//
// OwnerID == "" means unowned.
type Record struct {
	OwnerID   string             `json:"ownerId"`
	Position  ownership.Position `json:"position"`
	Timestamp Timestamp          `json:"timestamp"`
}

// Owned reports whether some client holds the lock.
func (r Record) Owned() bool {
	return r.OwnerID != ""
}

// Payload is an encoded Record as delivered by change notifications.
type Payload []byte

// DecodeError reports a notification payload that is not a usable record.
//
// Record holds whatever could be recovered. Its position is never taken
// from the payload.
type DecodeError struct {
	Reason string
	Record Record
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed record: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed record: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// wireRecord mirrors the JSON shape with optional fields so that absent
// values can be told apart from zero values.
type wireRecord struct {
	OwnerID   *string       `json:"ownerId,omitempty"`
	Client    *string       `json:"client,omitempty"`
	Position  *wirePosition `json:"position,omitempty"`
	Timestamp *int64        `json:"timestamp,omitempty"`
}

type wirePosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// Encode serializes r to the wire shape:
//
//	{"ownerId": "...", "position": {"x": 0, "y": 0}, "timestamp": 0}
func Encode(r Record) (Payload, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return Payload(data), nil
}

// Decode parses a notification payload.
//
// The legacy "client" key is accepted as an alias of "ownerId". Owner ids
// are normalized with identity.Normalize. Coordinates outside [0, 100] are
// clamped.
//
// A payload that is not a JSON object, or that lacks a complete position,
// yields a *DecodeError. Callers treat such a record as unowned.
func Decode(p Payload) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(p, &w); err != nil {
		return Record{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	var rec Record
	switch {
	case w.OwnerID != nil:
		rec.OwnerID = identity.Normalize(*w.OwnerID)
	case w.Client != nil:
		rec.OwnerID = identity.Normalize(*w.Client)
	}
	if w.Timestamp != nil {
		rec.Timestamp = Timestamp(*w.Timestamp)
	}

	if w.Position == nil {
		return rec, &DecodeError{Reason: "missing position", Record: rec}
	}
	if w.Position.X == nil || w.Position.Y == nil {
		return rec, &DecodeError{Reason: "incomplete position", Record: rec}
	}

	rec.Position = ownership.Position{X: *w.Position.X, Y: *w.Position.Y}.Clamped()
	return rec, nil
}
