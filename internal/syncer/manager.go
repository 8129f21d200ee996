package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/metrics"
	"github.com/fieldops/opslog/internal/project"
	"github.com/fieldops/opslog/internal/resolve"
)

// Config tunes the sync manager.
type Config struct {
	DeviceID     string
	MaxAttempts  int           // transport attempts before an event's failure is terminal
	BackoffBase  time.Duration // first retry delay, doubled per attempt
	BackoffCap   time.Duration // ceiling on the retry delay
	Debounce     time.Duration // quiet window before a batch is pushed in Run
	PollInterval time.Duration // periodic pull cadence in Run; 0 disables polling
}

// DefaultConfig returns the tuning used when no configuration overrides
// it.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:     deviceID,
		MaxAttempts:  5,
		BackoffBase:  250 * time.Millisecond,
		BackoffCap:   30 * time.Second,
		Debounce:     500 * time.Millisecond,
		PollInterval: 30 * time.Second,
	}
}

// Manager owns the sync state machine and the pull cursor. It is the only
// writer of event sync statuses and of cursors; everything else reads.
type Manager struct {
	chn       *chain.Store
	store     Store
	remote    Remote
	resolver  *resolve.Resolver
	projector *project.Projector
	buffer    *causality.ParentBuffer
	met       *metrics.Metrics
	cfg       Config
	logger    *slog.Logger

	notify chan struct{}
}

// New creates a sync manager. buffer may be nil to disable orphan
// buffering (orphans then fail the pull); met may be nil to disable
// metrics.
func New(
	chn *chain.Store,
	store Store,
	remote Remote,
	resolver *resolve.Resolver,
	projector *project.Projector,
	buffer *causality.ParentBuffer,
	met *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		chn:       chn,
		store:     store,
		remote:    remote,
		resolver:  resolver,
		projector: projector,
		buffer:    buffer,
		met:       met,
		cfg:       cfg,
		logger:    logger,
		notify:    make(chan struct{}, 1),
	}
}

// Notify signals that new local events exist. Run's debounce window
// starts (or restarts) on the next read. Non-blocking.
func (m *Manager) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// backoff builds the bounded exponential backoff for one transmission:
// MaxAttempts total tries, delay doubling from BackoffBase up to
// BackoffCap.
func (m *Manager) backoff() retry.Backoff {
	b := retry.NewExponential(m.cfg.BackoffBase)
	b = retry.WithCappedDuration(m.cfg.BackoffCap, b)
	b = retry.WithMaxRetries(uint64(m.cfg.MaxAttempts-1), b)

	return b
}

// Push transitions eligible events (local, or failed with attempts left)
// to pending, transmits them as one batch, and settles each event's
// status from the authority's acknowledgment. Transport errors are
// retried with backoff; exhausting the budget marks every batched event
// failed, terminally once attempts reach MaxAttempts.
func (m *Manager) Push(ctx context.Context, operationID string) error {
	events, err := m.eligibleForPush(ctx, operationID)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	for _, ev := range events {
		if err := m.setStatus(ctx, ev, event.SyncPending, ev.SyncAttempts, ""); err != nil {
			return err
		}
	}

	// Attempts are per event: every failed transmission counts against each
	// event it carried, and an event that exhausts its own budget leaves
	// the batch so retries for fresher events cannot push it past the
	// bound.
	remaining := events

	var ack *PushAck

	err = retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		batch := &Batch{
			OperationID: operationID,
			Events:      remaining,
			TailDigest:  remaining[len(remaining)-1].Hash,
		}

		var pushErr error

		ack, pushErr = m.remote.Push(ctx, batch)
		if pushErr == nil {
			return nil
		}

		keep := make([]*event.Event, 0, len(remaining))

		for _, ev := range remaining {
			if ev.SyncAttempts+1 >= m.cfg.MaxAttempts {
				if serr := m.setStatus(ctx, ev, event.SyncFailed, ev.SyncAttempts+1, pushErr.Error()); serr != nil {
					return serr
				}

				if m.met != nil {
					m.met.SyncFailed.Inc()
				}

				continue
			}

			if serr := m.setStatus(ctx, ev, event.SyncPending, ev.SyncAttempts+1, ""); serr != nil {
				return serr
			}

			keep = append(keep, ev)
		}

		remaining = keep

		var terr *TransportError
		if errors.As(pushErr, &terr) && len(remaining) > 0 {
			if m.met != nil {
				m.met.SyncRetries.Inc()
			}

			m.logger.Warn("push attempt failed, backing off",
				slog.String("operation_id", operationID),
				slog.Int("remaining", len(remaining)),
				slog.String("error", pushErr.Error()),
			)

			return retry.RetryableError(pushErr)
		}

		return pushErr
	})
	if err != nil {
		return m.failBatch(ctx, operationID, remaining, err)
	}

	return m.settleAck(ctx, operationID, remaining, ack)
}

// eligibleForPush returns local events plus failed events that still have
// retry budget. Terminally failed events are never auto-retried; they
// surface through Stuck.
func (m *Manager) eligibleForPush(ctx context.Context, operationID string) ([]*event.Event, error) {
	local, err := m.store.ListByStatus(ctx, operationID, event.SyncLocal)
	if err != nil {
		return nil, err
	}

	failed, err := m.store.ListByStatus(ctx, operationID, event.SyncFailed)
	if err != nil {
		return nil, err
	}

	events := local

	for _, ev := range failed {
		if ev.SyncAttempts < m.cfg.MaxAttempts {
			events = append(events, ev)
		}
	}

	// Pending events from an interrupted earlier cycle are re-batched too:
	// the authority deduplicates by ID, so re-transmission is harmless.
	pending, err := m.store.ListByStatus(ctx, operationID, event.SyncPending)
	if err != nil {
		return nil, err
	}

	events = append(events, pending...)

	sortByPosition(events)

	return events, nil
}

// settleAck applies the authority's verdict per event.
func (m *Manager) settleAck(ctx context.Context, operationID string, events []*event.Event, ack *PushAck) error {
	held := make(map[string]bool, len(ack.Held))
	for _, id := range ack.Held {
		held[id] = true
	}

	accepted := make(map[string]bool, len(ack.Accepted))
	for _, id := range ack.Accepted {
		accepted[id] = true
	}

	for _, ev := range events {
		switch {
		case held[ev.ID]:
			// Parked behind an unresolved manual conflict; stays pending.
		case ack.Rejected[ev.ID] != "":
			if err := m.setStatus(ctx, ev, event.SyncFailed, m.cfg.MaxAttempts, "rejected: "+ack.Rejected[ev.ID]); err != nil {
				return err
			}

			if m.met != nil {
				m.met.SyncFailed.Inc()
			}
		case accepted[ev.ID]:
			if err := m.setStatus(ctx, ev, event.SyncSynced, ev.SyncAttempts, ""); err != nil {
				return err
			}
		default:
			// Not mentioned in the ack: treat as still pending for the
			// next cycle rather than guessing.
		}
	}

	if m.met != nil {
		m.met.SyncBatches.WithLabelValues("push", "ok").Inc()
	}

	m.logger.Info("push settled",
		slog.String("operation_id", operationID),
		slog.Int("batched", len(events)),
		slog.Int("held", len(ack.Held)),
		slog.Int("rejected", len(ack.Rejected)),
	)

	return nil
}

// failBatch marks the still-batched events failed with the transmission
// error, each at its own attempt count. Events that exhausted their budget
// were already settled terminally inside the retry loop.
func (m *Manager) failBatch(ctx context.Context, operationID string, events []*event.Event, cause error) error {
	for _, ev := range events {
		if err := m.setStatus(ctx, ev, event.SyncFailed, ev.SyncAttempts, cause.Error()); err != nil {
			return err
		}
	}

	if m.met != nil {
		m.met.SyncBatches.WithLabelValues("push", "error").Inc()
	}

	m.logger.Error("push failed",
		slog.String("operation_id", operationID),
		slog.Int("events", len(events)),
		slog.String("error", cause.Error()),
	)

	return fmt.Errorf("syncer: pushing events for %s: %w", operationID, cause)
}

// Pull fetches canonical events after the cursor, verifies them, merges
// them through conflict resolution into the local chain and view, and
// advances the cursor only after the whole batch has merged. A cancelled
// context discards the batch untouched; the next pull re-fetches from the
// same cursor.
func (m *Manager) Pull(ctx context.Context, operationID string) error {
	cursor, err := m.store.GetCursor(ctx, m.cfg.DeviceID, operationID)
	if err != nil {
		return err
	}

	var batch *Batch

	err = retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		var pullErr error

		batch, pullErr = m.remote.Pull(ctx, operationID, cursor)
		if pullErr == nil {
			return nil
		}

		var terr *TransportError
		if errors.As(pullErr, &terr) {
			if m.met != nil {
				m.met.SyncRetries.Inc()
			}

			return retry.RetryableError(pullErr)
		}

		return pullErr
	})
	if err != nil {
		if m.met != nil {
			m.met.SyncBatches.WithLabelValues("pull", "error").Inc()
		}

		return fmt.Errorf("syncer: pulling %s after %d: %w", operationID, cursor, err)
	}

	if len(batch.Events) == 0 {
		return nil
	}

	// Verify content hashes and the batch digest before any local write.
	if err := chain.VerifyContent(operationID, batch.Events); err != nil {
		return fmt.Errorf("syncer: pulled batch failed verification: %w", err)
	}

	if last := batch.Events[len(batch.Events)-1]; batch.TailDigest != last.Hash {
		return &chain.IntegrityError{
			OperationID: operationID,
			EventID:     last.ID,
			Reason:      fmt.Sprintf("batch digest %.12s does not match last event %.12s", batch.TailDigest, last.Hash),
		}
	}

	// Cancellation boundary: beyond this point the batch merges
	// atomically with respect to the cursor.
	if err := ctx.Err(); err != nil {
		m.logger.Info("pull cancelled, batch discarded",
			slog.String("operation_id", operationID),
			slog.Int("events", len(batch.Events)),
		)

		return err
	}

	// The cursor tracks remote positions; merging re-positions each event
	// in the local store, so capture the watermark first.
	remoteTail := batch.Events[len(batch.Events)-1].Position

	for _, ev := range batch.Events {
		if err := m.merge(ctx, ev); err != nil {
			return err
		}
	}

	if err := m.store.SaveCursor(ctx, m.cfg.DeviceID, operationID, remoteTail); err != nil {
		return err
	}

	if m.met != nil {
		m.met.SyncBatches.WithLabelValues("pull", "ok").Inc()
	}

	m.logger.Info("pull merged",
		slog.String("operation_id", operationID),
		slog.Int("events", len(batch.Events)),
		slog.Int64("cursor", remoteTail),
	)

	return m.reportExpired(operationID)
}

// reportExpired surfaces events stuck in the awaiting-parent buffer past
// their timeout.
func (m *Manager) reportExpired(operationID string) error {
	if m.buffer == nil {
		return nil
	}

	expired := m.buffer.Expired()
	if len(expired) == 0 {
		return nil
	}

	errs := make([]error, len(expired))
	for i, e := range expired {
		errs[i] = e
	}

	return fmt.Errorf("syncer: %s has events awaiting missing parents: %w", operationID, errors.Join(errs...))
}

// Cycle runs one pull-then-push round for an operation. Pull first so
// local events rebase onto the freshest canonical state before
// transmission.
func (m *Manager) Cycle(ctx context.Context, operationID string) error {
	if err := m.Pull(ctx, operationID); err != nil {
		return err
	}

	return m.Push(ctx, operationID)
}

// CycleAll runs sync cycles for several operations concurrently.
func (m *Manager) CycleAll(ctx context.Context, operationIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, operationID := range operationIDs {
		operationID := operationID
		g.Go(func() error {
			return m.Cycle(ctx, operationID)
		})
	}

	return g.Wait()
}

// Run loops until the context is cancelled: every Notify starts the
// debounce window, and when the window closes without further activity
// the operation syncs. Remote changes have no in-process trigger, so the
// poll interval also cycles on a fixed cadence. Explicit flushes go
// through Cycle directly.
func (m *Manager) Run(ctx context.Context, operationID string) error {
	var timer *time.Timer

	var timerC <-chan time.Time

	var pollC <-chan time.Time

	if m.cfg.PollInterval > 0 {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		pollC = ticker.C
	}

	cycle := func() error {
		if err := m.Cycle(ctx, operationID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			m.logger.Error("sync cycle failed",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return ctx.Err()

		case <-m.notify:
			if timer == nil {
				timer = time.NewTimer(m.cfg.Debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}

				timer.Reset(m.cfg.Debounce)
			}

		case <-pollC:
			if err := cycle(); err != nil {
				return err
			}

		case <-timerC:
			timer = nil
			timerC = nil

			if err := cycle(); err != nil {
				return err
			}
		}
	}
}

// Stuck returns the operation's terminally failed events: retry budget
// exhausted, operator attention required.
func (m *Manager) Stuck(ctx context.Context, operationID string) ([]*event.Event, error) {
	failed, err := m.store.ListByStatus(ctx, operationID, event.SyncFailed)
	if err != nil {
		return nil, err
	}

	var stuck []*event.Event

	for _, ev := range failed {
		if ev.SyncAttempts >= m.cfg.MaxAttempts {
			stuck = append(stuck, ev)
		}
	}

	return stuck, nil
}

func (m *Manager) setStatus(ctx context.Context, ev *event.Event, status event.SyncStatus, attempts int, syncErr string) error {
	if err := m.store.UpdateSyncStatus(ctx, ev.ID, status, attempts, syncErr); err != nil {
		return err
	}

	ev.SyncStatus = status
	ev.SyncAttempts = attempts
	ev.SyncError = syncErr

	return nil
}

func sortByPosition(events []*event.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Position < events[j].Position
	})
}
