package project

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/state"
)

const testOp = "dr-2206"

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeEvent builds a fully-typed event at the kind's current schema
// version. Hash and linkage are left empty; projection never checks them.
func makeEvent(t *testing.T, payload event.Payload, ts, seq int64, actorID, deviceID string) *event.Event {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return &event.Event{
		ID:            uuid.NewString(),
		Kind:          payload.Kind(),
		SchemaVersion: event.SchemaVersion(payload.Kind()),
		ActorID:       actorID,
		DeviceID:      deviceID,
		SessionID:     "sess-1",
		OperationID:   testOp,
		Timestamp:     ts,
		Sequence:      seq,
		Payload:       payload,
		RawPayload:    raw,
	}
}

func mustDigest(t *testing.T, view *View) string {
	t.Helper()

	digest, err := view.Digest()
	require.NoError(t, err)

	return digest
}

func TestReplayFacilityRename(t *testing.T) {
	created := makeEvent(t, &event.FacilityCreated{
		FacilityID:   "fac-7",
		Name:         "Shelter 1",
		FacilityType: "shelter",
	}, 1000, 0, "ops1", "laptop-1")

	// Two renames of the same facility from different actors; the later
	// timestamp must hold regardless of fold order.
	renameA := makeEvent(t, &event.FacilityUpdated{
		FacilityID: "fac-7",
		Name:       "Shelter 1 Annex",
	}, 2000, 0, "ops1", "laptop-1")
	renameA.CausationID = created.ID

	renameB := makeEvent(t, &event.FacilityUpdated{
		FacilityID: "fac-7",
		Name:       "Shelter One",
	}, 1500, 0, "ops2", "tablet-2")
	renameB.CausationID = created.ID

	orders := [][]*event.Event{
		{created, renameA, renameB},
		{created, renameB, renameA},
		{renameB, renameA, created},
	}

	for i, events := range orders {
		view, queued, err := Replay(testOp, events)
		require.NoError(t, err, "order %d", i)
		assert.Empty(t, queued)

		facility := view.Facilities["fac-7"]
		require.NotNil(t, facility, "order %d", i)
		assert.Equal(t, "Shelter 1 Annex", facility.Name, "order %d", i)
		assert.Equal(t, "shelter", facility.FacilityType, "order %d", i)
		assert.Equal(t, event.FacilityOpen, facility.Status, "order %d", i)
	}
}

func TestReplayCounterMerge(t *testing.T) {
	a := makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 50}, 1000, 0, "ops1", "laptop-1")
	b := makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 30}, 1000, 0, "ops2", "tablet-2")

	forward, _, err := Replay(testOp, []*event.Event{a, b})
	require.NoError(t, err)
	assert.Equal(t, int64(80), forward.Counters["meals_served"])

	reversed, _, err := Replay(testOp, []*event.Event{b, a})
	require.NoError(t, err)
	assert.Equal(t, int64(80), reversed.Counters["meals_served"])

	assert.Equal(t, mustDigest(t, forward), mustDigest(t, reversed))
}

func TestReplayDualAssignment(t *testing.T) {
	winner := makeEvent(t, &event.PositionAssigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
	}, 2000, 0, "ic1", "laptop-1")

	loser := makeEvent(t, &event.PositionAssigned{
		ContactID:  "c-9",
		PositionID: "plans-chief",
	}, 1500, 0, "ic2", "tablet-2")

	// The compensation descends from the exact assignment it cancels.
	compensation := makeEvent(t, &event.PositionUnassigned{
		ContactID:  "c-9",
		PositionID: "plans-chief",
		Reason:     "superseded by concurrent assignment " + winner.ID,
	}, 2001, 0, "resolver", "laptop-1")
	compensation.CausationID = loser.ID

	orders := [][]*event.Event{
		{winner, loser, compensation},
		{loser, compensation, winner},
		{compensation, winner, loser},
	}

	for i, events := range orders {
		view, _, err := Replay(testOp, events)
		require.NoError(t, err, "order %d", i)

		active := view.Assignments["c-9"]
		require.NotNil(t, active, "order %d", i)
		assert.Equal(t, "ops-chief", active.PositionID, "order %d", i)
		assert.Equal(t, winner.ID, active.EventID, "order %d", i)
	}
}

func TestReplayUnassignmentWithoutCausation(t *testing.T) {
	assigned := makeEvent(t, &event.PositionAssigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
	}, 1000, 0, "ic1", "laptop-1")

	released := makeEvent(t, &event.PositionUnassigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
		Reason:     "demobilized",
	}, 2000, 0, "ic1", "laptop-1")

	view, _, err := Replay(testOp, []*event.Event{assigned, released})
	require.NoError(t, err)
	assert.NotContains(t, view.Assignments, "c-9")
}

func TestReplayBlindUnassignmentOrderIndependent(t *testing.T) {
	assigned := makeEvent(t, &event.PositionAssigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
	}, 1000, 0, "ic1", "laptop-1")

	released := makeEvent(t, &event.PositionUnassigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
		Reason:     "demobilized",
	}, 2000, 0, "ic2", "tablet-2")

	// A pull can deliver the un-assignment before the assignment it ends.
	// Either fold order must land on the same view.
	forward, _, err := Replay(testOp, []*event.Event{assigned, released})
	require.NoError(t, err)
	assert.NotContains(t, forward.Assignments, "c-9")

	reversed, _, err := Replay(testOp, []*event.Event{released, assigned})
	require.NoError(t, err)
	assert.NotContains(t, reversed.Assignments, "c-9")

	assert.Equal(t, mustDigest(t, forward), mustDigest(t, reversed))

	t.Run("stale release does not end a later assignment", func(t *testing.T) {
		reassigned := makeEvent(t, &event.PositionAssigned{
			ContactID:  "c-9",
			PositionID: "ops-chief",
		}, 3000, 0, "ic1", "laptop-1")

		for i, events := range [][]*event.Event{
			{assigned, released, reassigned},
			{reassigned, released, assigned},
		} {
			view, _, err := Replay(testOp, events)
			require.NoError(t, err, "order %d", i)

			active := view.Assignments["c-9"]
			require.NotNil(t, active, "order %d", i)
			assert.Equal(t, reassigned.ID, active.EventID, "order %d", i)
		}
	})
}

func TestMigrateFacilityUpdatedV1(t *testing.T) {
	makeV1 := func(t *testing.T, operational bool) *event.Event {
		t.Helper()

		raw, err := json.Marshal(map[string]any{
			"facilityId":  "fac-7",
			"operational": operational,
		})
		require.NoError(t, err)

		ev := makeEvent(t, &event.FacilityUpdated{FacilityID: "fac-7"}, 2000, 0, "ops1", "laptop-1")
		ev.SchemaVersion = 1
		ev.Payload = nil
		ev.RawPayload = raw

		return ev
	}

	t.Run("operational true maps to open", func(t *testing.T) {
		view, queued, err := Replay(testOp, []*event.Event{makeV1(t, true)})
		require.NoError(t, err)
		assert.Empty(t, queued)
		assert.Equal(t, event.FacilityOpen, view.Facilities["fac-7"].Status)
	})

	t.Run("operational false maps to standby", func(t *testing.T) {
		view, _, err := Replay(testOp, []*event.Event{makeV1(t, false)})
		require.NoError(t, err)
		assert.Equal(t, event.FacilityStandby, view.Facilities["fac-7"].Status)
	})

	t.Run("newer version than projector is queued", func(t *testing.T) {
		ev := makeEvent(t, &event.FacilityUpdated{FacilityID: "fac-7", Name: "Future"}, 2000, 0, "ops1", "laptop-1")
		ev.SchemaVersion = event.SchemaVersion(ev.Kind) + 1

		view, queued, err := Replay(testOp, []*event.Event{ev})
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, ev.ID, queued[0].ID)
		assert.NotContains(t, view.Facilities, "fac-7")
	})
}

func TestApplyOneIdempotent(t *testing.T) {
	store := chain.NewStore(state.NewMemoryStore(), testLogger(t))
	projector := NewProjector(store, testLogger(t))

	ev := makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 50}, 1000, 0, "ops1", "laptop-1")

	require.NoError(t, projector.ApplyOne(ev))
	require.NoError(t, projector.ApplyOne(ev))

	view := projector.Snapshot(testOp)
	assert.Equal(t, int64(50), view.Counters["meals_served"])
	assert.Equal(t, 1, view.AppliedCount)
}

func TestApplyOneQueuesUnknownVersion(t *testing.T) {
	store := chain.NewStore(state.NewMemoryStore(), testLogger(t))
	projector := NewProjector(store, testLogger(t))

	ev := makeEvent(t, &event.FacilityUpdated{FacilityID: "fac-7", Name: "Future"}, 1000, 0, "ops1", "laptop-1")
	ev.SchemaVersion = event.SchemaVersion(ev.Kind) + 1

	err := projector.ApplyOne(ev)

	var verr *event.SchemaVersionError

	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ev.Kind, verr.Kind)

	queued := projector.QueuedEvents(testOp)
	require.Len(t, queued, 1)
	assert.Equal(t, ev.ID, queued[0].ID)
}

func TestDigestExcludesFoldBookkeeping(t *testing.T) {
	events := []*event.Event{
		makeEvent(t, &event.OperationCreated{Name: "DR-2206", Region: "Gulf Coast"}, 100, 0, "ic1", "laptop-1"),
		makeEvent(t, &event.FacilityCreated{FacilityID: "fac-7", Name: "Shelter 1", FacilityType: "shelter"}, 200, 0, "ops1", "laptop-1"),
		makeEvent(t, &event.FacilityTagAdded{FacilityID: "fac-7", Tag: "pet-friendly"}, 300, 0, "ops1", "laptop-1"),
		makeEvent(t, &event.RosterContactAdded{ContactID: "c-9", Name: "J. Ruiz", Title: "Ops"}, 400, 0, "ic1", "laptop-1"),
		makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 30}, 500, 0, "ops2", "tablet-2"),
	}

	replayed, _, err := Replay(testOp, events)
	require.NoError(t, err)

	// Fold the same set incrementally; AppliedCount bookkeeping differs in
	// LastEventID ordering history but the digest must not.
	store := chain.NewStore(state.NewMemoryStore(), testLogger(t))
	projector := NewProjector(store, testLogger(t))

	for i := len(events) - 1; i >= 0; i-- {
		require.NoError(t, projector.ApplyOne(events[i]))
	}

	incremental := projector.Snapshot(testOp)
	assert.Equal(t, mustDigest(t, replayed), mustDigest(t, incremental))
}

func TestReplayDeterministicUnderPermutation(t *testing.T) {
	created := makeEvent(t, &event.FacilityCreated{FacilityID: "fac-7", Name: "Shelter 1", FacilityType: "shelter"}, 100, 0, "ops1", "laptop-1")

	update := makeEvent(t, &event.FacilityUpdated{FacilityID: "fac-7", Name: "Shelter 1 Annex"}, 200, 0, "ops1", "laptop-1")
	update.CausationID = created.ID

	events := []*event.Event{
		created,
		update,
		makeEvent(t, &event.FacilityClosed{FacilityID: "fac-7", Reason: "flood"}, 300, 0, "ops2", "tablet-2"),
		makeEvent(t, &event.FacilityTagAdded{FacilityID: "fac-7", Tag: "ada"}, 150, 0, "ops1", "laptop-1"),
		makeEvent(t, &event.FacilityTagAdded{FacilityID: "fac-7", Tag: "pet-friendly"}, 150, 1, "ops2", "tablet-2"),
		makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 50}, 120, 0, "ops1", "laptop-1"),
		makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 30}, 120, 0, "ops2", "tablet-2"),
		makeEvent(t, &event.IAPPublished{Period: 3, Digest: "abc123"}, 400, 0, "ic1", "laptop-1"),
	}

	baseline, _, err := Replay(testOp, events)
	require.NoError(t, err)

	want := mustDigest(t, baseline)

	for seed := int64(0); seed < 20; seed++ {
		shuffled := append([]*event.Event(nil), events...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		view, _, err := Replay(testOp, shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, mustDigest(t, view), "seed %d", seed)
	}
}

func TestProjectFromChain(t *testing.T) {
	ctx := context.Background()
	store := chain.NewStore(state.NewMemoryStore(), testLogger(t))
	projector := NewProjector(store, testLogger(t))

	seq := event.NewSequencer()
	actor := event.ActorContext{
		ActorID:     "ic1",
		DeviceID:    "laptop-1",
		SessionID:   "sess-1",
		OperationID: testOp,
	}

	payloads := []event.Payload{
		&event.OperationCreated{Name: "DR-2206", Region: "Gulf Coast"},
		&event.FacilityCreated{FacilityID: "fac-7", Name: "Shelter 1", FacilityType: "shelter"},
		&event.MetricIncremented{Metric: "meals_served", Delta: 50},
	}

	for _, p := range payloads {
		ev, err := event.New(actor, p.Kind(), p, seq)
		require.NoError(t, err)
		require.NoError(t, store.AppendLinked(ctx, ev))
		require.NoError(t, projector.ApplyOne(ev))
	}

	view, err := projector.Project(ctx, testOp)
	require.NoError(t, err)

	require.NotNil(t, view.Operation)
	assert.Equal(t, "DR-2206", view.Operation.Name)
	assert.Equal(t, "ic1", view.Operation.CreatedBy)
	assert.Equal(t, int64(50), view.Counters["meals_served"])
	assert.Equal(t, 3, view.AppliedCount)

	assert.NoError(t, projector.CheckDivergence(ctx, testOp))
}

func TestSubscribe(t *testing.T) {
	store := chain.NewStore(state.NewMemoryStore(), testLogger(t))
	projector := NewProjector(store, testLogger(t))

	ch, cancel := projector.Subscribe(testOp)

	ev := makeEvent(t, &event.MetricIncremented{Metric: "meals_served", Delta: 5}, 1000, 0, "ops1", "laptop-1")
	require.NoError(t, projector.ApplyOne(ev))

	select {
	case change := <-ch:
		assert.Equal(t, testOp, change.OperationID)
		assert.Equal(t, ev.ID, change.EventID)
		assert.Equal(t, event.KindMetricIncremented, change.Kind)
	default:
		t.Fatal("expected a view change notification")
	}

	cancel()

	_, open := <-ch
	assert.False(t, open)
}
