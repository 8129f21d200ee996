package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/opslog/internal/event"
)

// ErrNoPolicy is returned when resolution is asked for a kind the table
// does not cover. Resolution fails fast instead of defaulting: a silent
// last-write-wins fallback is how conflicting field data gets lost.
var ErrNoPolicy = errors.New("resolve: no policy configured for kind")

// ErrMixedKinds is returned when a concurrent set spans multiple kinds.
// Conflict detection groups by (entity, kind) upstream; mixed input is a
// programming error.
var ErrMixedKinds = errors.New("resolve: concurrent set spans multiple kinds")

// Decision says how the projector should treat the concurrent set.
type Decision int

// Decisions.
const (
	// DecisionWinner: apply the winner, discard the losers' effects.
	DecisionWinner Decision = iota
	// DecisionAllApply: every event applies; the kind's combinator makes
	// order irrelevant.
	DecisionAllApply
	// DecisionQueued: no automatic outcome; both candidates sit in the
	// manual queue until a human emits conflict.resolved.
	DecisionQueued
)

// Outcome is the result of resolving one concurrent set.
type Outcome struct {
	Decision      Decision
	Strategy      Strategy
	Winner        *event.Event   // set for DecisionWinner
	Losers        []*event.Event // set for DecisionWinner
	Compensations []*event.Event // domain merges may emit repairs
	Queued        *QueuedConflict
}

// QueuedConflict is one entry in the durable manual-conflict queue.
type QueuedConflict struct {
	ID            string
	OperationID   string
	Kind          event.Kind
	EntityKey     string
	LocalEventID  string
	RemoteEventID string
	DetectedAt    int64 // Unix milliseconds
	Resolved      bool
	WinnerEventID string
	ResolvedAt    int64 // Unix milliseconds, 0 while open
}

// Resolver applies the policy table to concurrent event sets.
type Resolver struct {
	table   *Table
	factory EventFactory
	logger  *slog.Logger
}

// NewResolver creates a resolver over a validated policy table. factory is
// used by domain merges to construct compensating events; pass nil only if
// no configured policy is domain-specific.
func NewResolver(table *Table, factory EventFactory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{table: table, factory: factory, logger: logger}
}

// Resolve picks or computes the outcome for a set of concurrent events of
// one kind targeting one entity. The result is deterministic: every
// replica given the same set reaches the same outcome, because winners are
// chosen on immutable event fields only.
func (r *Resolver) Resolve(concurrent []*event.Event) (*Outcome, error) {
	if len(concurrent) == 0 {
		return nil, errors.New("resolve: empty concurrent set")
	}

	kind := concurrent[0].Kind
	for _, ev := range concurrent[1:] {
		if ev.Kind != kind {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedKinds, kind, ev.Kind)
		}
	}

	policy, ok := r.table.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPolicy, kind)
	}

	outcome, err := r.apply(kind, policy, concurrent)
	if err != nil {
		return nil, err
	}

	outcome.Strategy = policy.Strategy

	r.logOutcome(kind, policy, outcome)

	return outcome, nil
}

func (r *Resolver) apply(kind event.Kind, policy Policy, concurrent []*event.Event) (*Outcome, error) {
	switch policy.Strategy {
	case StrategyLWW:
		winner := PickLWW(concurrent)
		return &Outcome{Decision: DecisionWinner, Winner: winner, Losers: losersOf(concurrent, winner)}, nil

	case StrategyFWW:
		winner := PickFWW(concurrent)
		return &Outcome{Decision: DecisionWinner, Winner: winner, Losers: losersOf(concurrent, winner)}, nil

	case StrategyCRDT:
		// Nothing to pick: the combinator folds the whole set during
		// projection. Validate the combinator exists and the set folds.
		if _, err := Combine(kind, concurrent); err != nil {
			return nil, err
		}

		return &Outcome{Decision: DecisionAllApply}, nil

	case StrategyDomain:
		merge := domainMerges[policy.DomainMerge]

		winner, compensations, err := merge(concurrent, r.factory)
		if err != nil {
			return nil, err
		}

		return &Outcome{
			Decision:      DecisionWinner,
			Winner:        winner,
			Losers:        losersOf(concurrent, winner),
			Compensations: compensations,
		}, nil

	case StrategyManual:
		return &Outcome{Decision: DecisionQueued, Queued: r.queueEntry(concurrent)}, nil

	default:
		return nil, fmt.Errorf("resolve: kind %s has unknown strategy %q", kind, policy.Strategy)
	}
}

// queueEntry builds the durable queue record for a manual conflict between
// the first two candidates. Concurrent sets larger than two queue pairwise
// against the first local candidate.
func (r *Resolver) queueEntry(concurrent []*event.Event) *QueuedConflict {
	first := concurrent[0]

	remoteID := ""
	if len(concurrent) > 1 {
		remoteID = concurrent[1].ID
	}

	return &QueuedConflict{
		ID:            uuid.NewString(),
		OperationID:   first.OperationID,
		Kind:          first.Kind,
		EntityKey:     first.EntityKey(),
		LocalEventID:  first.ID,
		RemoteEventID: remoteID,
		DetectedAt:    time.Now().UnixMilli(),
	}
}

// logOutcome records automatic resolutions at info level; manual conflicts
// are surfaced to the caller, not just logged.
func (r *Resolver) logOutcome(kind event.Kind, policy Policy, outcome *Outcome) {
	switch outcome.Decision {
	case DecisionWinner:
		r.logger.Info("conflict resolved automatically",
			slog.String("kind", string(kind)),
			slog.String("strategy", string(policy.Strategy)),
			slog.String("winner", outcome.Winner.ID),
			slog.Int("losers", len(outcome.Losers)),
			slog.Int("compensations", len(outcome.Compensations)),
		)
	case DecisionAllApply:
		r.logger.Debug("concurrent set commutes, all events apply",
			slog.String("kind", string(kind)),
		)
	case DecisionQueued:
		r.logger.Warn("conflict queued for manual resolution",
			slog.String("kind", string(kind)),
			slog.String("conflict_id", outcome.Queued.ID),
			slog.String("entity", outcome.Queued.EntityKey),
		)
	}
}

// PickLWW returns the event with the greatest (timestamp, actorId)
// lexicographic key: the deterministic last-write winner.
func PickLWW(events []*event.Event) *event.Event {
	winner := events[0]

	for _, ev := range events[1:] {
		if ev.Timestamp > winner.Timestamp ||
			(ev.Timestamp == winner.Timestamp && ev.ActorID > winner.ActorID) ||
			(ev.Timestamp == winner.Timestamp && ev.ActorID == winner.ActorID && ev.ID > winner.ID) {
			winner = ev
		}
	}

	return winner
}

// PickFWW returns the event with the smallest (timestamp, sequence,
// deviceId) key: the deterministic first-write winner.
func PickFWW(events []*event.Event) *event.Event {
	winner := events[0]

	for _, ev := range events[1:] {
		if fwwLess(ev, winner) {
			winner = ev
		}
	}

	return winner
}

func fwwLess(a, b *event.Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}

	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}

	if a.DeviceID != b.DeviceID {
		return a.DeviceID < b.DeviceID
	}

	return a.ID < b.ID
}

// losersOf returns every event in the set except the winner.
func losersOf(events []*event.Event, winner *event.Event) []*event.Event {
	losers := make([]*event.Event, 0, len(events)-1)

	for _, ev := range events {
		if ev.ID != winner.ID {
			losers = append(losers, ev)
		}
	}

	return losers
}
