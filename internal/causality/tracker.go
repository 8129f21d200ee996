// Package causality maintains the causal partial order among events:
// stamping causation and correlation links at creation time, answering
// ancestor/concurrent queries over a loaded event set, and producing the
// deterministic causal-then-timestamp order the projector replays in.
package causality

import (
	"container/heap"

	"github.com/google/uuid"

	"github.com/fieldops/opslog/internal/event"
)

// Stamp attaches causation and correlation links to a freshly built event.
// causationID may be empty for a root event. An empty correlationID
// defaults to a newly generated identifier, making the event the root of
// its own correlation group.
func Stamp(ev *event.Event, causationID, correlationID string) {
	ev.CausationID = causationID

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ev.CorrelationID = correlationID
}

// StampChild links a child event to the event that triggered it, joining
// the parent's correlation group.
func StampChild(child, parent *event.Event) {
	Stamp(child, parent.ID, parent.CorrelationID)
}

// Index is a read-only view of an event set keyed by ID, used to answer
// partial-order queries. Build one per resolution or projection pass; it
// does not track later appends.
type Index struct {
	byID map[string]*event.Event
}

// NewIndex builds an index over the given events.
func NewIndex(events []*event.Event) *Index {
	byID := make(map[string]*event.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	return &Index{byID: byID}
}

// Get returns the indexed event with the given ID, or nil.
func (ix *Index) Get(id string) *event.Event {
	return ix.byID[id]
}

// IsAncestor reports whether the event with ancestorID appears on the
// causation chain leading to ev. An event is not its own ancestor.
func (ix *Index) IsAncestor(ancestorID string, ev *event.Event) bool {
	seen := make(map[string]bool)

	for cur := ev; cur != nil && cur.CausationID != ""; {
		if seen[cur.CausationID] {
			// Defends against a malformed causation cycle in synced data.
			return false
		}

		seen[cur.CausationID] = true

		if cur.CausationID == ancestorID {
			return true
		}

		cur = ix.byID[cur.CausationID]
	}

	return false
}

// Concurrent reports whether a and b are causally incomparable: neither is
// an ancestor of the other. Two views of the same event are not concurrent.
func (ix *Index) Concurrent(a, b *event.Event) bool {
	if a.ID == b.ID {
		return false
	}

	return !ix.IsAncestor(a.ID, b) && !ix.IsAncestor(b.ID, a)
}

// Less is the deterministic tie-breaker between causally incomparable
// events: (timestamp, sequence, deviceId, id) lexicographic. Every replica
// sorts the same way because the key is built from immutable fields.
func Less(a, b *event.Event) bool {
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

// eventHeap orders ready events by the deterministic tie-breaker.
type eventHeap []*event.Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return Less(h[i], h[j]) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any) { *h = append(*h, x.(*event.Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]

	return ev
}

// Order returns the events in causal-then-timestamp order: a child never
// precedes its causation parent, and causally incomparable events are
// ordered by Less. The result is deterministic for any input permutation.
// Events whose causation parent is absent from the set are treated as
// roots; buffering of true orphans happens upstream in the sync manager.
func Order(events []*event.Event) []*event.Event {
	byID := make(map[string]*event.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	// Kahn's algorithm over causation edges with a deterministic ready heap.
	children := make(map[string][]*event.Event, len(events))
	pending := make(map[string]int, len(events))

	ready := &eventHeap{}

	for _, ev := range events {
		if ev.CausationID != "" && byID[ev.CausationID] != nil {
			children[ev.CausationID] = append(children[ev.CausationID], ev)
			pending[ev.ID] = 1

			continue
		}

		heap.Push(ready, ev)
	}

	ordered := make([]*event.Event, 0, len(events))

	for ready.Len() > 0 {
		ev := heap.Pop(ready).(*event.Event)
		ordered = append(ordered, ev)

		for _, child := range children[ev.ID] {
			pending[child.ID]--
			if pending[child.ID] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	// A causation cycle would leave events unemitted; append them in
	// tie-breaker order rather than losing them.
	if len(ordered) < len(events) {
		rest := &eventHeap{}

		for _, ev := range events {
			if pending[ev.ID] > 0 {
				heap.Push(rest, ev)
			}
		}

		for rest.Len() > 0 {
			ordered = append(ordered, heap.Pop(rest).(*event.Event))
		}
	}

	return ordered
}
