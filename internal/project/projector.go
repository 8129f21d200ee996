package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
)

// Projector owns the materialized views, one per operation. All mutation
// goes through Project and ApplyOne; collaborators read snapshots and
// subscribe to change notifications. Safe for concurrent use.
type Projector struct {
	store  *chain.Store
	logger *slog.Logger

	mu     sync.RWMutex
	views  map[string]*View
	queued map[string][]*event.Event // events skipped on SchemaVersionError, per operation

	subsMu sync.Mutex
	subs   map[string][]chan ViewChange
}

// ViewChange notifies a subscriber that an operation's view advanced.
type ViewChange struct {
	OperationID string
	EventID     string
	Kind        event.Kind
}

// subscriberBuffer bounds each subscription channel. A slow subscriber
// loses notifications rather than blocking projection; the view snapshot
// is always authoritative.
const subscriberBuffer = 64

// NewProjector creates a projector reading verified streams from the chain
// store.
func NewProjector(store *chain.Store, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Projector{
		store:  store,
		logger: logger,
		views:  make(map[string]*View),
		queued: make(map[string][]*event.Event),
	}
}

// Project replays the operation's full verified chain in
// causal-then-timestamp order and replaces the materialized view with the
// result. Events the view cannot migrate are queued and reported, not
// silently dropped.
func (p *Projector) Project(ctx context.Context, operationID string) (*View, error) {
	if err := p.store.VerifyChain(ctx, operationID); err != nil {
		return nil, fmt.Errorf("project: pre-replay verification of %s: %w", operationID, err)
	}

	events, err := p.store.ReadRange(ctx, operationID, 0)
	if err != nil {
		return nil, fmt.Errorf("project: reading %s: %w", operationID, err)
	}

	view, queued, err := Replay(operationID, events)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.views[operationID] = view
	p.queued[operationID] = queued
	p.mu.Unlock()

	p.logger.Info("view rebuilt",
		slog.String("operation_id", operationID),
		slog.Int("events", len(events)),
		slog.Int("queued", len(queued)),
	)

	return view.Snapshot(), nil
}

// Replay folds an ordered event slice into a fresh view without touching
// the projector's held state. Pure apart from logging: the same events
// always produce the same view. The second return holds events skipped
// because their schema version could not be migrated.
func Replay(operationID string, events []*event.Event) (*View, []*event.Event, error) {
	view := NewView(operationID)

	var queued []*event.Event

	for _, ev := range causality.Order(events) {
		if err := applyOne(view, ev); err != nil {
			var verr *event.SchemaVersionError
			if errors.As(err, &verr) {
				queued = append(queued, ev)
				continue
			}

			return nil, nil, err
		}
	}

	return view, queued, nil
}

// ApplyOne incrementally folds one event into the operation's view: the
// O(1) hot path used after every local append and every merged pull.
// Events arrive parent-before-child (the sync manager buffers orphans);
// within that constraint application is order-independent because LWW and
// FWW effects are tracked as registers.
func (p *Projector) ApplyOne(ev *event.Event) error {
	p.mu.Lock()

	view, ok := p.views[ev.OperationID]
	if !ok {
		view = NewView(ev.OperationID)
		p.views[ev.OperationID] = view
	}

	err := applyOne(view, ev)
	if err != nil {
		var verr *event.SchemaVersionError
		if errors.As(err, &verr) {
			p.queued[ev.OperationID] = append(p.queued[ev.OperationID], ev)
			p.mu.Unlock()

			p.logger.Warn("event queued awaiting schema migration",
				slog.String("event_id", ev.ID),
				slog.String("kind", string(ev.Kind)),
			)

			return err
		}

		p.mu.Unlock()

		return err
	}

	p.mu.Unlock()

	p.notify(ViewChange{OperationID: ev.OperationID, EventID: ev.ID, Kind: ev.Kind})

	return nil
}

// Snapshot returns a deep copy of the operation's current view, or an
// empty view if nothing has been projected yet.
func (p *Projector) Snapshot(operationID string) *View {
	p.mu.RLock()
	defer p.mu.RUnlock()

	view, ok := p.views[operationID]
	if !ok {
		return NewView(operationID)
	}

	return view.Snapshot()
}

// QueuedEvents returns the events held back by schema-version mismatches
// for an operation.
func (p *Projector) QueuedEvents(operationID string) []*event.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]*event.Event(nil), p.queued[operationID]...)
}

// CheckDivergence replays the operation from scratch and compares the
// result's digest with the incrementally maintained view. A mismatch means
// the incremental path has a bug or the store changed underneath the
// projector; the caller should rebuild with Project. This is a correctness
// self-test, intended to run periodically, not on the hot path.
func (p *Projector) CheckDivergence(ctx context.Context, operationID string) error {
	events, err := p.store.ReadRange(ctx, operationID, 0)
	if err != nil {
		return fmt.Errorf("project: reading %s for divergence check: %w", operationID, err)
	}

	fresh, _, err := Replay(operationID, events)
	if err != nil {
		return err
	}

	freshDigest, err := fresh.Digest()
	if err != nil {
		return err
	}

	currentDigest, err := p.Snapshot(operationID).Digest()
	if err != nil {
		return err
	}

	if freshDigest != currentDigest {
		return fmt.Errorf("project: view divergence in %s: incremental %.12s vs replay %.12s",
			operationID, currentDigest, freshDigest)
	}

	return nil
}

// Subscribe registers for change notifications on one operation's view.
// The returned cancel function must be called to release the subscription.
// Notifications may be dropped under backpressure; read a fresh snapshot
// on receipt rather than accumulating deltas.
func (p *Projector) Subscribe(operationID string) (<-chan ViewChange, func()) {
	ch := make(chan ViewChange, subscriberBuffer)

	p.subsMu.Lock()
	if p.subs == nil {
		p.subs = make(map[string][]chan ViewChange)
	}

	p.subs[operationID] = append(p.subs[operationID], ch)
	p.subsMu.Unlock()

	cancel := func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()

		channels := p.subs[operationID]
		for i, c := range channels {
			if c == ch {
				p.subs[operationID] = append(channels[:i], channels[i+1:]...)
				close(ch)

				break
			}
		}
	}

	return ch, cancel
}

func (p *Projector) notify(change ViewChange) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	for _, ch := range p.subs[change.OperationID] {
		select {
		case ch <- change:
		default:
			// Subscriber is behind; it will catch up from a snapshot.
		}
	}
}
