package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// merge folds one pulled canonical event into the local chain and view:
// duplicate suppression, orphan buffering, conflict detection against
// unsynced local edits, then append and incremental projection. Children
// waiting on the event are merged recursively once it lands.
func (m *Manager) merge(ctx context.Context, ev *event.Event) error {
	exists, err := m.store.HasEvent(ctx, ev.ID)
	if err != nil {
		return err
	}

	if exists {
		// Already merged on an earlier pull; idempotent skip.
		return nil
	}

	if err := m.decodePulled(ev); err != nil {
		return err
	}

	if ev.CausationID != "" {
		parentKnown, err := m.store.HasEvent(ctx, ev.CausationID)
		if err != nil {
			return err
		}

		if !parentKnown {
			if m.buffer == nil {
				return fmt.Errorf("syncer: event %s arrived before parent %s and orphan buffering is disabled", ev.ID, ev.CausationID)
			}

			return m.buffer.Hold(ev)
		}
	}

	concurrent, err := m.concurrentLocals(ctx, ev)
	if err != nil {
		return err
	}

	if len(concurrent) > 0 {
		if err := m.resolveAgainst(ctx, ev, concurrent); err != nil {
			return err
		}
	} else if err := m.applyPulled(ctx, ev); err != nil {
		return err
	}

	if ev.Kind == event.KindConflictResolved {
		if err := m.closeConflict(ctx, ev); err != nil {
			return err
		}
	}

	return m.releaseChildren(ctx, ev.ID)
}

// decodePulled parses the wire payload into its typed form. Events at a
// newer schema version than this build knows stay raw; the projector
// queues them behind a migration.
func (m *Manager) decodePulled(ev *event.Event) error {
	if ev.Payload != nil || !event.KnownKind(ev.Kind) {
		return nil
	}

	if ev.SchemaVersion != event.SchemaVersion(ev.Kind) {
		return nil
	}

	payload, err := event.DecodePayload(ev.Kind, ev.RawPayload)
	if err != nil {
		return fmt.Errorf("syncer: pulled event %s: %w", ev.ID, err)
	}

	ev.Payload = payload

	return nil
}

// concurrentLocals returns the device's unsynced events that target the
// same entity with the same kind as ev and are causally incomparable with
// it. These are exactly the edits the authority has not seen and that ev
// does not already account for.
func (m *Manager) concurrentLocals(ctx context.Context, ev *event.Event) ([]*event.Event, error) {
	var unsynced []*event.Event

	for _, status := range []event.SyncStatus{event.SyncLocal, event.SyncPending, event.SyncFailed} {
		events, err := m.store.ListByStatus(ctx, ev.OperationID, status)
		if err != nil {
			return nil, err
		}

		unsynced = append(unsynced, events...)
	}

	if len(unsynced) == 0 {
		return nil, nil
	}

	all, err := m.store.ReadRange(ctx, ev.OperationID, 0, 0)
	if err != nil {
		return nil, err
	}

	index := causality.NewIndex(append(all, ev))

	var concurrent []*event.Event

	for _, local := range unsynced {
		if local.Kind != ev.Kind || local.EntityKey() != ev.EntityKey() {
			continue
		}

		if index.Concurrent(local, ev) {
			concurrent = append(concurrent, local)
		}
	}

	sortByPosition(concurrent)

	return concurrent, nil
}

// resolveAgainst runs the policy table over the concurrent set and acts
// on the outcome. The pulled event always lands in the local chain: it is
// canonical fact regardless of who wins the conflict.
func (m *Manager) resolveAgainst(ctx context.Context, ev *event.Event, locals []*event.Event) error {
	outcome, err := m.resolver.Resolve(append(append([]*event.Event{}, locals...), ev))
	if err != nil {
		return err
	}

	if err := m.applyPulled(ctx, ev); err != nil {
		return err
	}

	if m.met != nil {
		if outcome.Decision == resolve.DecisionQueued {
			m.met.ConflictsQueued.Inc()
		} else {
			m.met.ConflictsResolved.WithLabelValues(string(outcome.Strategy)).Inc()
		}
	}

	switch outcome.Decision {
	case resolve.DecisionWinner:
		return m.appendCompensations(ctx, outcome.Compensations)

	case resolve.DecisionAllApply:
		// Commutative kind; both sides simply apply.
		return nil

	case resolve.DecisionQueued:
		return m.store.EnqueueConflict(ctx, outcome.Queued)

	default:
		return fmt.Errorf("syncer: unexpected resolution decision %d", outcome.Decision)
	}
}

// applyPulled links the event onto the local chain as already synced and
// folds it into the view. A schema-version mismatch is not fatal here:
// the event is durable and the projector holds it until a migration
// exists.
func (m *Manager) applyPulled(ctx context.Context, ev *event.Event) error {
	ev.SyncStatus = event.SyncSynced
	ev.SyncAttempts = 0
	ev.SyncError = ""

	if err := m.chn.AppendLinked(ctx, ev); err != nil {
		return err
	}

	if m.projector == nil {
		return nil
	}

	if err := m.projector.ApplyOne(ev); err != nil {
		var verr *event.SchemaVersionError
		if errors.As(err, &verr) {
			return nil
		}

		return err
	}

	return nil
}

// appendCompensations records resolver-emitted repair events as fresh
// local facts. They ride the next push like any device edit.
func (m *Manager) appendCompensations(ctx context.Context, compensations []*event.Event) error {
	for _, comp := range compensations {
		comp.SyncStatus = event.SyncLocal

		if err := m.chn.AppendLinked(ctx, comp); err != nil {
			return err
		}

		if m.projector != nil {
			if err := m.projector.ApplyOne(comp); err != nil {
				return err
			}
		}

		m.logger.Info("compensating event appended",
			slog.String("event_id", comp.ID),
			slog.String("kind", string(comp.Kind)),
			slog.String("caused_by", comp.CausationID),
		)
	}

	if len(compensations) > 0 {
		m.Notify()
	}

	return nil
}

// closeConflict marks the queue entry named by a merged conflict.resolved
// event. Queue entry IDs are minted per store, so when the named entry is
// unknown the local queue is matched by candidate event IDs instead.
func (m *Manager) closeConflict(ctx context.Context, ev *event.Event) error {
	payload, ok := ev.Payload.(*event.ConflictResolved)
	if !ok {
		return nil
	}

	if err := m.store.MarkConflictResolved(ctx, payload.ConflictID, payload.WinnerEventID); err == nil {
		return nil
	}

	open, err := m.store.ListConflicts(ctx, ev.OperationID, true)
	if err != nil {
		return err
	}

	for _, qc := range open {
		if candidatesMatch(qc, payload) {
			return m.store.MarkConflictResolved(ctx, qc.ID, payload.WinnerEventID)
		}
	}

	m.logger.Debug("conflict resolution for unknown queue entry",
		slog.String("conflict_id", payload.ConflictID),
	)

	return nil
}

func candidatesMatch(qc *resolve.QueuedConflict, payload *event.ConflictResolved) bool {
	pair := map[string]bool{payload.WinnerEventID: true, payload.LoserEventID: true}

	return pair[qc.LocalEventID] && pair[qc.RemoteEventID]
}

// releaseChildren drains the orphan buffer entries waiting on parentID
// and merges them in arrival order.
func (m *Manager) releaseChildren(ctx context.Context, parentID string) error {
	if m.buffer == nil {
		return nil
	}

	for _, child := range m.buffer.Release(parentID) {
		if err := m.merge(ctx, child); err != nil {
			return err
		}
	}

	return nil
}
