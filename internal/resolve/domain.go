package resolve

import (
	"fmt"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/event"
)

// MergeSingleAssignment enforces "a person holds at most one active
// position assignment" across concurrent assignments.
const MergeSingleAssignment = "single_assignment"

// EventFactory constructs a new system-actor event for a merge function's
// compensations. The engine injects its own construction path so
// compensations go through the same validate-stamp-append pipeline as any
// intent.
type EventFactory func(kind event.Kind, payload event.Payload) (*event.Event, error)

// DomainMerge resolves a concurrent event set by aggregate-specific rules
// the generic strategies cannot express. It must pick a deterministic
// winner and may emit compensating events repairing the losers' effects.
type DomainMerge func(concurrent []*event.Event, factory EventFactory) (*event.Event, []*event.Event, error)

// domainMerges is the registry of named merge functions referenced by
// "domain:<name>" policies.
var domainMerges = map[string]DomainMerge{
	MergeSingleAssignment: mergeSingleAssignment,
}

// mergeSingleAssignment picks the last-write-wins winner among concurrent
// position.assigned events for one contact and emits a compensating
// position.unassigned for every loser, so two devices assigning the same
// person to different positions never leave both active.
func mergeSingleAssignment(concurrent []*event.Event, factory EventFactory) (*event.Event, []*event.Event, error) {
	winner := PickLWW(concurrent)

	var compensations []*event.Event

	for _, loser := range concurrent {
		if loser.ID == winner.ID {
			continue
		}

		payload, ok := loser.Payload.(*event.PositionAssigned)
		if !ok {
			return nil, nil, fmt.Errorf("resolve: single_assignment got %T payload in event %s", loser.Payload, loser.ID)
		}

		comp, err := factory(event.KindPositionUnassigned, &event.PositionUnassigned{
			ContactID:  payload.ContactID,
			PositionID: payload.PositionID,
			Reason:     "superseded by concurrent assignment " + winner.ID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("resolve: building compensation for %s: %w", loser.ID, err)
		}

		// The compensation repairs the loser, so it descends from it.
		causality.StampChild(comp, loser)

		compensations = append(compensations, comp)
	}

	return winner, compensations, nil
}
