// Package engine is the single local write path: it turns validated
// payloads into hash-chained events, stamps causality, and folds each
// append into the live projection before releasing the writer lock, so a
// reader never observes a persisted event the view has not absorbed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/metrics"
	"github.com/fieldops/opslog/internal/project"
	"github.com/fieldops/opslog/internal/resolve"
)

// Store is the persistence the engine reads beyond the chain: the
// per-device sequencer watermark and the manual conflict queue.
type Store interface {
	DeviceTail(ctx context.Context, deviceID string) (int64, int64, error)
	GetConflict(ctx context.Context, id string) (*resolve.QueuedConflict, error)
	MarkConflictResolved(ctx context.Context, id, winnerEventID string) error
	HasEvent(ctx context.Context, id string) (bool, error)
}

// Notifier wakes the sync loop after a local append. *syncer.Manager
// satisfies it; a nil notifier is valid for offline use.
type Notifier interface {
	Notify()
}

// Engine serializes local writes for one actor context. Appends from
// concurrent goroutines queue on its mutex; the chain store would reject
// interleaved writers anyway because their previous-hash links would race.
type Engine struct {
	actor     event.ActorContext
	chn       *chain.Store
	store     Store
	projector *project.Projector
	seq       *event.Sequencer
	notifier  Notifier
	met       *metrics.Metrics
	logger    *slog.Logger

	mu sync.Mutex
}

// New creates an engine for one actor context, priming the sequencer from
// the device's newest persisted stamp so a restart cannot reissue
// (timestamp, sequence) pairs.
func New(
	ctx context.Context,
	actor event.ActorContext,
	chn *chain.Store,
	store Store,
	projector *project.Projector,
	notifier Notifier,
	met *metrics.Metrics,
	logger *slog.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seq := event.NewSequencer()

	ts, sequence, err := store.DeviceTail(ctx, actor.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("engine: restoring sequencer for %s: %w", actor.DeviceID, err)
	}

	seq.Restore(ts, sequence)

	return &Engine{
		actor:     actor,
		chn:       chn,
		store:     store,
		projector: projector,
		seq:       seq,
		notifier:  notifier,
		met:       met,
		logger:    logger,
	}, nil
}

// Actor returns the identity this engine writes as.
func (e *Engine) Actor() event.ActorContext {
	return e.actor
}

// Append records one new fact: validate, stamp, hash, link onto the chain,
// fold into the view. The returned event is fully populated, including its
// store position.
func (e *Engine) Append(ctx context.Context, kind event.Kind, payload event.Payload) (*event.Event, error) {
	return e.append(ctx, kind, payload, "", "")
}

// AppendCaused records a fact that causally follows an earlier event, for
// edits that only make sense relative to a parent, like unassigning the
// assignment event that placed a contact. The correlation thread is
// inherited from the parent.
func (e *Engine) AppendCaused(ctx context.Context, kind event.Kind, payload event.Payload, parentID string) (*event.Event, error) {
	if parentID == "" {
		return nil, &event.ValidationError{Kind: kind, Field: "causationId", Reason: "must not be empty"}
	}

	known, err := e.store.HasEvent(ctx, parentID)
	if err != nil {
		return nil, err
	}

	if !known {
		return nil, fmt.Errorf("engine: causation parent %s is not in the local log", parentID)
	}

	return e.append(ctx, kind, payload, parentID, "")
}

func (e *Engine) append(ctx context.Context, kind event.Kind, payload event.Payload, causationID, correlationID string) (*event.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := event.New(e.actor, kind, payload, e.seq)
	if err != nil {
		return nil, err
	}

	if correlationID == "" && causationID != "" {
		if parent, perr := e.parentOf(ctx, causationID); perr == nil && parent != nil {
			correlationID = parent.CorrelationID
		}
	}

	causality.Stamp(ev, causationID, correlationID)

	if err := e.chn.AppendLinked(ctx, ev); err != nil {
		return nil, err
	}

	if err := e.projector.ApplyOne(ev); err != nil {
		var verr *event.SchemaVersionError
		if !errors.As(err, &verr) {
			return nil, err
		}
	}

	if e.met != nil {
		e.met.EventsAppended.Inc()
	}

	e.logger.Debug("event appended",
		slog.String("event_id", ev.ID),
		slog.String("kind", string(kind)),
		slog.Int64("position", ev.Position),
	)

	if e.notifier != nil {
		e.notifier.Notify()
	}

	return ev, nil
}

// parentOf reads the causation parent for correlation inheritance. Best
// effort: a missing parent just starts a fresh correlation thread.
func (e *Engine) parentOf(ctx context.Context, parentID string) (*event.Event, error) {
	events, err := e.chn.ReadRange(ctx, e.actor.OperationID, 0)
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		if ev.ID == parentID {
			return ev, nil
		}
	}

	return nil, nil
}

// ResolveConflict closes a queued manual conflict by recording a
// conflict.resolved event naming the winner. The resolution is a fact
// like any other: it syncs to every replica, and each one closes its own
// queue entry when the event merges.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, winnerEventID string) (*event.Event, error) {
	qc, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	if qc.Resolved {
		return nil, fmt.Errorf("engine: conflict %s is already resolved", conflictID)
	}

	if winnerEventID != qc.LocalEventID && winnerEventID != qc.RemoteEventID {
		return nil, fmt.Errorf("engine: %s is not a candidate of conflict %s", winnerEventID, conflictID)
	}

	loserEventID := qc.LocalEventID
	if winnerEventID == qc.LocalEventID {
		loserEventID = qc.RemoteEventID
	}

	payload := &event.ConflictResolved{
		ConflictID:    conflictID,
		WinnerEventID: winnerEventID,
		LoserEventID:  loserEventID,
	}

	ev, err := e.append(ctx, event.KindConflictResolved, payload, winnerEventID, "")
	if err != nil {
		return nil, err
	}

	if err := e.store.MarkConflictResolved(ctx, conflictID, winnerEventID); err != nil {
		return nil, err
	}

	e.logger.Info("manual conflict resolved",
		slog.String("conflict_id", conflictID),
		slog.String("winner", winnerEventID),
	)

	return ev, nil
}

// Factory returns an event constructor bound to this engine's identity
// and sequencer, for components that mint events outside the append path,
// like domain merges emitting compensations.
func (e *Engine) Factory() resolve.EventFactory {
	return func(kind event.Kind, payload event.Payload) (*event.Event, error) {
		return event.New(e.actor, kind, payload, e.seq)
	}
}
