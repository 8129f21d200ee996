// Package syncer reconciles divergent local and remote event histories.
// It drives the per-event sync state machine (local → pending → synced or
// failed), pushes debounced batches to a remote authority, pulls remote
// events from the last acknowledged cursor, and routes concurrent edits
// through the conflict resolver before they reach the projector.
package syncer

import (
	"context"

	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// Store is the persistence surface the sync manager needs: the chain
// store's raw backing plus sync bookkeeping. Satisfied by
// *state.SQLiteStore and *state.MemoryStore.
type Store interface {
	chain.Persistence

	// UpdateSyncStatus mutates the only mutable event fields. The sync
	// manager is their sole writer.
	UpdateSyncStatus(ctx context.Context, id string, status event.SyncStatus, attempts int, syncErr string) error
	// ListByStatus returns the operation's events in one sync status, in
	// position order.
	ListByStatus(ctx context.Context, operationID string, status event.SyncStatus) ([]*event.Event, error)

	// GetCursor and SaveCursor manage the per-device pull watermark.
	GetCursor(ctx context.Context, deviceID, operationID string) (int64, error)
	SaveCursor(ctx context.Context, deviceID, operationID string, position int64) error

	// EnqueueConflict records a manual conflict for operator attention.
	EnqueueConflict(ctx context.Context, qc *resolve.QueuedConflict) error
	// ListConflicts returns the operation's queued conflicts.
	ListConflicts(ctx context.Context, operationID string, openOnly bool) ([]*resolve.QueuedConflict, error)
	// MarkConflictResolved closes a queued conflict with its winner.
	MarkConflictResolved(ctx context.Context, id, winnerEventID string) error
}

// Batch is the wire unit of synchronization: an ordered slice of event
// envelopes plus the sender's chain digest after the batch's last event,
// so the receiver can verify content before merging.
type Batch struct {
	OperationID string         `json:"operationId"`
	Events      []*event.Event `json:"events"`
	TailDigest  string         `json:"tailDigest"`
}

// PushAck is the remote authority's response to a pushed batch.
type PushAck struct {
	// Accepted lists event IDs merged into the canonical stream,
	// including duplicates that were already present.
	Accepted []string `json:"accepted"`
	// Held lists event IDs parked behind an unresolved manual conflict.
	// They stay pending on the device until the conflict resolves.
	Held []string `json:"held,omitempty"`
	// Rejected maps event IDs to the validation reason the authority
	// refused them with. Rejection is permanent, not retried.
	Rejected map[string]string `json:"rejected,omitempty"`
	// TailDigest is the canonical stream's chain tail after the merge.
	TailDigest string `json:"tailDigest"`
}

// Remote is the authority a device synchronizes against. Transport is out
// of scope for the engine: any carrier of these two calls works, from an
// in-process store to an HTTP service layered on top.
type Remote interface {
	// Push merges a batch of device events into the canonical stream.
	Push(ctx context.Context, batch *Batch) (*PushAck, error)
	// Pull returns canonical events strictly after sincePosition, plus
	// the current chain tail digest for out-of-band verification.
	Pull(ctx context.Context, operationID string, sincePosition int64) (*Batch, error)
}

// TransportError wraps a transient transmission failure. The sync manager
// retries these with backoff; anything else fails fast.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "syncer: transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }
