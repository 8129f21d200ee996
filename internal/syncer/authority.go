package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// DefaultPullLimit bounds how many events one Pull returns. Sync loops
// until the batch comes back short, so the limit trades round trips
// against batch verification cost.
const DefaultPullLimit = 500

// Authority is the canonical side of synchronization: it merges pushed
// device batches into its own chain store and serves pulls from it. It
// satisfies Remote, so a device can sync against it in process (two
// database files on one machine) or behind any transport that carries
// Batch and PushAck.
type Authority struct {
	chn       *chain.Store
	store     Store
	table     *resolve.Table
	pullLimit int64
	logger    *slog.Logger
}

// NewAuthority creates an authority over its own chain and store. table
// decides which pushed events collide into the manual queue; automatic
// strategies merge without intervention because every replica folds them
// deterministically.
func NewAuthority(chn *chain.Store, store Store, table *resolve.Table, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}

	return &Authority{
		chn:       chn,
		store:     store,
		table:     table,
		pullLimit: DefaultPullLimit,
		logger:    logger,
	}
}

// Push merges a device batch into the canonical stream. Each event is
// settled independently: accepted (including duplicates), held behind an
// open manual conflict, or rejected with a validation reason.
func (a *Authority) Push(ctx context.Context, batch *Batch) (*PushAck, error) {
	if err := chain.VerifyContent(batch.OperationID, batch.Events); err != nil {
		return nil, fmt.Errorf("syncer: authority rejecting batch: %w", err)
	}

	ack := &PushAck{Rejected: make(map[string]string)}

	open, err := a.store.ListConflicts(ctx, batch.OperationID, true)
	if err != nil {
		return nil, err
	}

	inBatch := make(map[string]bool, len(batch.Events))
	for _, ev := range batch.Events {
		inBatch[ev.ID] = true
	}

	for _, ev := range batch.Events {
		verdict, reason, err := a.admit(ctx, ev, open, inBatch)
		if err != nil {
			return nil, err
		}

		switch verdict {
		case verdictAccepted:
			ack.Accepted = append(ack.Accepted, ev.ID)
		case verdictHeld:
			ack.Held = append(ack.Held, ev.ID)

			a.logger.Info("event held by authority",
				slog.String("event_id", ev.ID),
				slog.String("reason", reason),
			)
		case verdictRejected:
			ack.Rejected[ev.ID] = reason
		}
	}

	tail, err := a.chn.Tail(ctx, batch.OperationID)
	if err != nil {
		return nil, err
	}

	ack.TailDigest = tail

	return ack, nil
}

type verdict int

const (
	verdictAccepted verdict = iota
	verdictHeld
	verdictRejected
)

// admit settles one pushed event against the canonical stream.
func (a *Authority) admit(ctx context.Context, ev *event.Event, open []*resolve.QueuedConflict, inBatch map[string]bool) (verdict, string, error) {
	exists, err := a.store.HasEvent(ctx, ev.ID)
	if err != nil {
		return 0, "", err
	}

	if exists {
		// Re-transmission after a lost ack; already canonical.
		return verdictAccepted, "", nil
	}

	if !event.KnownKind(ev.Kind) {
		return verdictRejected, fmt.Sprintf("unknown kind %q", ev.Kind), nil
	}

	if ev.SchemaVersion == event.SchemaVersion(ev.Kind) {
		payload, err := event.DecodePayload(ev.Kind, ev.RawPayload)
		if err != nil {
			return verdictRejected, err.Error(), nil
		}

		ev.Payload = payload
	}

	// A candidate of an open manual conflict, or any edit to a contested
	// entity, waits until a human resolves the conflict.
	for _, qc := range open {
		if qc.LocalEventID == ev.ID || qc.RemoteEventID == ev.ID || qc.EntityKey == ev.EntityKey() {
			return verdictHeld, "entity has an open manual conflict " + qc.ID, nil
		}
	}

	if ev.CausationID != "" {
		parentKnown, err := a.store.HasEvent(ctx, ev.CausationID)
		if err != nil {
			return 0, "", err
		}

		if !parentKnown && !inBatch[ev.CausationID] {
			return verdictHeld, "causation parent " + ev.CausationID + " not yet canonical", nil
		}
	}

	held, err := a.detectManualConflict(ctx, ev)
	if err != nil {
		return 0, "", err
	}

	if held != "" {
		return verdictHeld, held, nil
	}

	if ev.Kind == event.KindConflictResolved {
		if payload, ok := ev.Payload.(*event.ConflictResolved); ok {
			if err := a.store.MarkConflictResolved(ctx, payload.ConflictID, payload.WinnerEventID); err != nil {
				a.logger.Debug("resolution for unknown conflict",
					slog.String("conflict_id", payload.ConflictID),
				)
			}
		}
	}

	ev.SyncStatus = event.SyncSynced
	ev.SyncAttempts = 0
	ev.SyncError = ""

	if err := a.chn.AppendLinked(ctx, ev); err != nil {
		return 0, "", err
	}

	return verdictAccepted, "", nil
}

// detectManualConflict checks whether the pushed event collides with a
// concurrent canonical event under a manual policy. Automatic strategies
// never hold: every replica resolves them identically during projection.
func (a *Authority) detectManualConflict(ctx context.Context, ev *event.Event) (string, error) {
	policy, ok := a.table.Lookup(ev.Kind)
	if !ok || policy.Strategy != resolve.StrategyManual {
		return "", nil
	}

	canonical, err := a.store.ReadRange(ctx, ev.OperationID, 0, 0)
	if err != nil {
		return "", err
	}

	settled, err := a.store.ListConflicts(ctx, ev.OperationID, false)
	if err != nil {
		return "", err
	}

	byID := make(map[string]*resolve.QueuedConflict, len(settled))
	for _, qc := range settled {
		byID[qc.ID] = qc
	}

	index := causality.NewIndex(append(canonical, ev))

	for _, existing := range canonical {
		if existing.Kind != ev.Kind || existing.EntityKey() != ev.EntityKey() {
			continue
		}

		if !index.Concurrent(existing, ev) {
			continue
		}

		id := conflictID(existing, ev)

		// A pair that already went through the queue is settled; the losing
		// candidate still becomes canonical fact once resolved.
		if prior, ok := byID[id]; ok {
			if prior.Resolved {
				continue
			}

			return "concurrent with canonical event " + existing.ID + ", queued as " + id, nil
		}

		qc := &resolve.QueuedConflict{
			ID:            id,
			OperationID:   ev.OperationID,
			Kind:          ev.Kind,
			EntityKey:     ev.EntityKey(),
			LocalEventID:  existing.ID,
			RemoteEventID: ev.ID,
			DetectedAt:    event.NowMilli(),
		}

		if err := a.store.EnqueueConflict(ctx, qc); err != nil {
			return "", err
		}

		return "concurrent with canonical event " + existing.ID + ", queued as " + qc.ID, nil
	}

	return "", nil
}

// Pull returns canonical events strictly after sincePosition, capped at
// the pull limit, with the digest of the last returned event so the
// device can verify the batch end to end.
func (a *Authority) Pull(ctx context.Context, operationID string, sincePosition int64) (*Batch, error) {
	events, err := a.store.ReadRange(ctx, operationID, sincePosition, 0)
	if err != nil {
		return nil, err
	}

	if int64(len(events)) > a.pullLimit {
		events = events[:a.pullLimit]
	}

	batch := &Batch{OperationID: operationID, Events: events}

	if len(events) > 0 {
		batch.TailDigest = events[len(events)-1].Hash
	} else {
		tail, err := a.chn.Tail(ctx, operationID)
		if err != nil {
			return nil, err
		}

		batch.TailDigest = tail
	}

	return batch, nil
}

// conflictID derives a stable identifier from the two candidates so both
// sides of a partition queue the same conflict exactly once.
func conflictID(a, b *event.Event) string {
	lo, hi := a.ID, b.ID
	if hi < lo {
		lo, hi = hi, lo
	}

	return lo + ":" + hi
}
