// Package event defines the universal fact envelope of the operation log:
// a closed enumeration of event kinds, one typed payload variant per kind,
// structural validation, and the canonical content hash that makes
// independently constructed identical facts collide on purpose.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStatus tracks where an event sits in the sync state machine.
// It is the only mutable part of an event and is owned exclusively by
// the sync manager.
type SyncStatus string

// Sync statuses as stored in the sync_status column.
const (
	SyncLocal   SyncStatus = "local"
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Event is one immutable fact in an operation's append-only log.
// All fields except SyncStatus, SyncAttempts, and SyncError are frozen at
// construction time. Hash covers (ID, Kind, ActorID, Timestamp, Payload)
// only; PreviousHash is stream linkage assigned by the chain store at
// append time.
type Event struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	ActorID       string          `json:"actorId"`
	DeviceID      string          `json:"deviceId"`
	SessionID     string          `json:"sessionId"`
	OperationID   string          `json:"operationId"`
	Timestamp     int64           `json:"timestamp"` // wall clock, Unix milliseconds
	Sequence      int64           `json:"sequence"`  // per-device tie-breaker within one timestamp
	Payload       Payload         `json:"-"`
	RawPayload    json.RawMessage `json:"payload"` // wire form of Payload, set by the builder
	CausationID   string          `json:"causationId,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Hash          string          `json:"hash"`
	PreviousHash  string          `json:"previousHash"`

	// Position is the event's index in its store's per-operation log,
	// assigned at append time. Like PreviousHash it is store linkage, not
	// content: a pulled event is re-positioned in the receiving store.
	Position int64 `json:"position,omitempty"`

	// Sync manager owned.
	SyncStatus   SyncStatus `json:"syncStatus"`
	SyncAttempts int        `json:"syncAttempts"`
	SyncError    string     `json:"syncError,omitempty"`
}

// ActorContext carries the identifiers that scope an event to one actor on
// one device in one session of one operation. It is passed explicitly into
// every construction call; there is no ambient process-wide identity.
type ActorContext struct {
	ActorID     string
	DeviceID    string
	SessionID   string
	OperationID string
}

func (c ActorContext) validate() error {
	switch {
	case c.ActorID == "":
		return &ValidationError{Field: "actorId", Reason: "must not be empty"}
	case c.DeviceID == "":
		return &ValidationError{Field: "deviceId", Reason: "must not be empty"}
	case c.SessionID == "":
		return &ValidationError{Field: "sessionId", Reason: "must not be empty"}
	case c.OperationID == "":
		return &ValidationError{Field: "operationId", Reason: "must not be empty"}
	}

	return nil
}

// EntityKey returns the logical target of the event, used by the conflict
// resolver to decide whether two concurrent events collide.
func (e *Event) EntityKey() string {
	if e.Payload == nil {
		return ""
	}

	return e.Payload.EntityKey()
}

// Clone returns a deep copy of the event. RawPayload is copied byte-wise;
// Payload is re-decoded so the copy shares no mutable state with the
// original.
func (e *Event) Clone() *Event {
	cp := *e
	cp.RawPayload = append(json.RawMessage(nil), e.RawPayload...)

	if e.Payload != nil {
		decoded, err := DecodePayload(e.Kind, cp.RawPayload)
		if err == nil {
			cp.Payload = decoded
		}
	}

	return &cp
}

// NowMilli returns the current wall-clock time in Unix milliseconds, the
// timestamp resolution events are stamped with.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}

// New validates the payload against its kind's declared shape and returns a
// fully formed event: ID assigned, payload serialized, content hash
// computed. PreviousHash is left empty for the chain store to fill, and
// causation/correlation links are left for the causality tracker.
// Construction is pure apart from ID generation and the timestamp read.
func New(ctx ActorContext, kind Kind, payload Payload, seq *Sequencer) (*Event, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}

	if payload == nil {
		return nil, &ValidationError{Kind: kind, Field: "payload", Reason: "must not be nil"}
	}

	if payload.Kind() != kind {
		return nil, &ValidationError{
			Kind:   kind,
			Field:  "payload",
			Reason: fmt.Sprintf("payload is for kind %q", payload.Kind()),
		}
	}

	if err := payload.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: marshaling %s payload: %w", kind, err)
	}

	ts, sequence := seq.Stamp(NowMilli())

	ev := &Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		SchemaVersion: schemaVersions[kind],
		ActorID:       ctx.ActorID,
		DeviceID:      ctx.DeviceID,
		SessionID:     ctx.SessionID,
		OperationID:   ctx.OperationID,
		Timestamp:     ts,
		Sequence:      sequence,
		Payload:       payload,
		RawPayload:    raw,
		SyncStatus:    SyncLocal,
	}

	hash, err := ComputeHash(ev)
	if err != nil {
		return nil, err
	}

	ev.Hash = hash

	return ev, nil
}
