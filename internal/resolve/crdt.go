package resolve

import (
	"fmt"
	"sort"

	"github.com/fieldops/opslog/internal/event"
)

// Combinator merges one CRDT-policy event into an accumulator. The
// operation must be associative, commutative, and idempotent over event
// identity, so any merge order of a concurrent set yields the same value.
// acc is nil on the first call; the return value is the new accumulator.
type Combinator func(acc any, ev *event.Event) (any, error)

// combinators maps CRDT-policy kinds to their combine operations. The
// table is package-static: a new CRDT kind registers its combinator here
// and its policy in configuration, and NewTable checks the two agree.
var combinators = map[event.Kind]Combinator{
	event.KindMetricIncremented: combineCounter,
	event.KindFacilityTagAdded:  combineTagSet,
}

// combineCounter folds signed deltas into a sum. Addition commutes, so
// arrival order is irrelevant.
func combineCounter(acc any, ev *event.Event) (any, error) {
	p, ok := ev.Payload.(*event.MetricIncremented)
	if !ok {
		return nil, fmt.Errorf("resolve: counter combinator got %T payload", ev.Payload)
	}

	total, _ := acc.(int64)

	return total + p.Delta, nil
}

// combineTagSet folds tag additions into a set union.
func combineTagSet(acc any, ev *event.Event) (any, error) {
	p, ok := ev.Payload.(*event.FacilityTagAdded)
	if !ok {
		return nil, fmt.Errorf("resolve: tag-set combinator got %T payload", ev.Payload)
	}

	set, _ := acc.(map[string]bool)
	if set == nil {
		set = make(map[string]bool)
	}

	set[p.Tag] = true

	return set, nil
}

// Combine folds a concurrent event set of one CRDT kind into its merged
// value. Events are deduplicated by ID first (idempotence), so
// re-delivered events cannot double-apply.
func Combine(kind event.Kind, events []*event.Event) (any, error) {
	combine, ok := combinators[kind]
	if !ok {
		return nil, fmt.Errorf("resolve: no combinator registered for kind %s", kind)
	}

	seen := make(map[string]bool, len(events))

	var acc any

	for _, ev := range events {
		if seen[ev.ID] {
			continue
		}

		seen[ev.ID] = true

		var err error

		acc, err = combine(acc, ev)
		if err != nil {
			return nil, err
		}
	}

	return acc, nil
}

// SortedTags converts a tag-set accumulator into a sorted slice for
// deterministic view output.
func SortedTags(acc any) []string {
	set, _ := acc.(map[string]bool)
	if len(set) == 0 {
		return nil
	}

	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}

	sort.Strings(tags)

	return tags
}
