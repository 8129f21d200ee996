// Package chain implements the hash-chained append-only event log. Every
// appended event links to its predecessor's content digest within one
// operation's stream; a link that does not match fails loudly instead of
// silently rechaining, which catches tampering, lost events, and concurrent
// local writers racing on the same stream.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldops/opslog/internal/event"
)

// Persistence is the minimal storage contract the chain store builds on.
// The engine does not prescribe the storage technology; anything that can
// append and read back in position order qualifies.
type Persistence interface {
	// AppendRaw durably stores the event and assigns its Position. It must
	// not inspect or enforce chain linkage; that is the chain store's job.
	AppendRaw(ctx context.Context, ev *event.Event) error
	// ReadRange returns events for one operation with Position > from, in
	// position order. to bounds the result (inclusive); pass 0 for no
	// upper bound.
	ReadRange(ctx context.Context, operationID string, from, to int64) ([]*event.Event, error)
	// ReadTail returns the newest event in the operation's stream, or nil
	// for an empty stream.
	ReadTail(ctx context.Context, operationID string) (*event.Event, error)
	// HasEvent reports whether an event with the given ID is stored.
	HasEvent(ctx context.Context, id string) (bool, error)
}

// Store enforces hash-chain integrity over a Persistence backend. A
// detected integrity break halts further appends to that operation's
// stream until Reconcile is called, so corruption cannot be buried under
// new writes.
type Store struct {
	persist Persistence
	logger  *slog.Logger

	mu     sync.Mutex
	halted map[string]*IntegrityError // operationID -> first detected break
}

// NewStore creates a chain store over the given persistence backend.
func NewStore(persist Persistence, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		persist: persist,
		logger:  logger,
		halted:  make(map[string]*IntegrityError),
	}
}

// Persistence exposes the underlying backend for components that only need
// the raw read contract.
func (s *Store) Persistence() Persistence {
	return s.persist
}

// Append validates the event's content hash and previous-hash linkage
// against the current stream tail, then persists it. Appending an event
// whose ID already exists is a no-op: identical content hashes by
// construction, so re-delivery is harmless. Returns an *IntegrityError on
// any mismatch, after which the stream is halted.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(ctx, ev)
}

func (s *Store) appendLocked(ctx context.Context, ev *event.Event) error {
	if herr, ok := s.halted[ev.OperationID]; ok {
		return fmt.Errorf("chain: stream %s halted by earlier integrity break: %w", ev.OperationID, herr)
	}

	exists, err := s.persist.HasEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("chain: checking for duplicate %s: %w", ev.ID, err)
	}

	if exists {
		s.logger.Debug("duplicate append ignored", slog.String("event_id", ev.ID))
		return nil
	}

	ok, err := event.VerifyHash(ev)
	if err != nil {
		return fmt.Errorf("chain: hashing event %s: %w", ev.ID, err)
	}

	if !ok {
		return s.haltLocked(&IntegrityError{
			OperationID: ev.OperationID,
			EventID:     ev.ID,
			Reason:      "content hash does not match event fields",
		})
	}

	tailHash, err := s.tailHashLocked(ctx, ev.OperationID)
	if err != nil {
		return err
	}

	if ev.PreviousHash != tailHash {
		return s.haltLocked(&IntegrityError{
			OperationID: ev.OperationID,
			EventID:     ev.ID,
			Reason:      fmt.Sprintf("previousHash %.12s does not match stream tail %.12s", ev.PreviousHash, tailHash),
		})
	}

	if err := s.persist.AppendRaw(ctx, ev); err != nil {
		return fmt.Errorf("chain: persisting event %s: %w", ev.ID, err)
	}

	s.logger.Debug("event appended",
		slog.String("event_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.String("operation_id", ev.OperationID),
		slog.Int64("position", ev.Position),
	)

	return nil
}

// AppendLinked sets the event's PreviousHash to the current stream tail and
// appends it. This is the local creation path; sync receive also uses it
// because chain linkage is per-store while the content hash travels. The
// tail read and the append happen under one lock so concurrent writers on
// the same stream cannot link against a stale tail.
func (s *Store) AppendLinked(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.tailHashLocked(ctx, ev.OperationID)
	if err != nil {
		return err
	}

	ev.PreviousHash = tail

	return s.appendLocked(ctx, ev)
}

// ReadRange returns the operation's events with Position > from, in
// position order.
func (s *Store) ReadRange(ctx context.Context, operationID string, from int64) ([]*event.Event, error) {
	events, err := s.persist.ReadRange(ctx, operationID, from, 0)
	if err != nil {
		return nil, fmt.Errorf("chain: reading %s from %d: %w", operationID, from, err)
	}

	return events, nil
}

// Tail returns the content hash of the stream's newest event, or the
// genesis value for an empty stream.
func (s *Store) Tail(ctx context.Context, operationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tailHashLocked(ctx, operationID)
}

func (s *Store) tailHashLocked(ctx context.Context, operationID string) (string, error) {
	tail, err := s.persist.ReadTail(ctx, operationID)
	if err != nil {
		return "", fmt.Errorf("chain: reading tail of %s: %w", operationID, err)
	}

	if tail == nil {
		return event.GenesisHash, nil
	}

	return tail.Hash, nil
}

// Halted returns the integrity error that froze the operation's stream, or
// nil if the stream accepts appends.
func (s *Store) Halted(operationID string) *IntegrityError {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.halted[operationID]
}

// Reconcile lifts the append halt on an operation's stream after the
// operator has repaired or re-synced it. VerifyChain should pass before
// calling this.
func (s *Store) Reconcile(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.halted, operationID)
}

func (s *Store) haltLocked(ierr *IntegrityError) error {
	s.halted[ierr.OperationID] = ierr

	s.logger.Error("chain integrity break, stream halted",
		slog.String("operation_id", ierr.OperationID),
		slog.String("event_id", ierr.EventID),
		slog.String("reason", ierr.Reason),
	)

	return ierr
}
