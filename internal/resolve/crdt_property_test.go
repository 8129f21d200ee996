package resolve

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fieldops/opslog/internal/event"
)

// TestCounterFoldCommutes verifies the counter combinator's core promise:
// any arrival order of a delta set folds to the same total.
func TestCounterFoldCommutes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fold total is permutation invariant", prop.ForAll(
		func(deltas []int64, seed int64) bool {
			events := make([]*event.Event, 0, len(deltas))

			for i, d := range deltas {
				if d == 0 {
					continue // zero deltas fail payload validation
				}

				events = append(events, makeEvent(event.KindMetricIncremented,
					&event.MetricIncremented{Metric: "meals_served", Delta: d},
					int64(i), fmt.Sprintf("actor%d", i), "d1"))
			}

			if len(events) == 0 {
				return true
			}

			forward, err := Combine(event.KindMetricIncremented, events)
			if err != nil {
				return false
			}

			shuffled := append([]*event.Event(nil), events...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			merged, err := Combine(event.KindMetricIncremented, shuffled)
			if err != nil {
				return false
			}

			return forward == merged
		},
		gen.SliceOf(gen.Int64Range(-500, 500)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestLWWWinnerOrderIndependent verifies the last-write winner depends
// only on event content, never on slice order.
func TestLWWWinnerOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("winner is permutation invariant", prop.ForAll(
		func(timestamps []int64, seed int64) bool {
			if len(timestamps) == 0 {
				return true
			}

			events := make([]*event.Event, len(timestamps))
			for i, ts := range timestamps {
				events[i] = makeEvent(event.KindFacilityUpdated,
					&event.FacilityUpdated{FacilityID: "f1", Name: fmt.Sprintf("v%d", i)},
					ts, fmt.Sprintf("actor%d", i), "d1")
			}

			want := PickLWW(events).ID

			shuffled := append([]*event.Event(nil), events...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			return PickLWW(shuffled).ID == want
		},
		gen.SliceOf(gen.Int64Range(0, 1000)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
