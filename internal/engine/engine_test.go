package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/project"
	"github.com/fieldops/opslog/internal/resolve"
	"github.com/fieldops/opslog/internal/state"
)

const testOp = "dr-2206"

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingNotifier struct{ notified int }

func (c *countingNotifier) Notify() { c.notified++ }

type fixture struct {
	store     *state.MemoryStore
	chn       *chain.Store
	projector *project.Projector
	notifier  *countingNotifier
	eng       *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := state.NewMemoryStore()

	return restartFixture(t, store)
}

// restartFixture builds an engine over an existing store, simulating a
// process restart when the store already carries events.
func restartFixture(t *testing.T, store *state.MemoryStore) *fixture {
	t.Helper()

	chn := chain.NewStore(store, testLogger(t))
	projector := project.NewProjector(chn, testLogger(t))
	notifier := &countingNotifier{}

	actor := event.ActorContext{
		ActorID:     "ops1",
		DeviceID:    "laptop-1",
		SessionID:   "sess-" + uuid.NewString()[:8],
		OperationID: testOp,
	}

	eng, err := New(context.Background(), actor, chn, store, projector, notifier, nil, testLogger(t))
	require.NoError(t, err)

	return &fixture{store: store, chn: chn, projector: projector, notifier: notifier, eng: eng}
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev, err := f.eng.Append(ctx, event.KindFacilityCreated, &event.FacilityCreated{
		FacilityID:   "fac-7",
		Name:         "Shelter 1",
		FacilityType: "shelter",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), ev.Position)
	assert.NotEmpty(t, ev.Hash)
	assert.Equal(t, event.GenesisHash, ev.PreviousHash)
	assert.Equal(t, event.SyncLocal, ev.SyncStatus)
	assert.Empty(t, ev.CausationID)
	assert.NotEmpty(t, ev.CorrelationID, "root event starts its own correlation thread")

	assert.Contains(t, f.projector.Snapshot(testOp).Facilities, "fac-7",
		"append is visible in the view before returning")
	assert.Equal(t, 1, f.notifier.notified)
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("payload validation", func(t *testing.T) {
		_, err := f.eng.Append(ctx, event.KindMetricIncremented, &event.MetricIncremented{Metric: "meals_served", Delta: 0})

		var verr *event.ValidationError

		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "delta", verr.Field)
	})

	t.Run("kind payload mismatch", func(t *testing.T) {
		_, err := f.eng.Append(ctx, event.KindFacilityClosed, &event.MetricIncremented{Metric: "meals_served", Delta: 1})
		assert.Error(t, err)
	})

	events, err := f.chn.ReadRange(ctx, testOp, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "rejected appends leave no trace")
}

func TestAppendCaused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	parent, err := f.eng.Append(ctx, event.KindPositionAssigned, &event.PositionAssigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
	})
	require.NoError(t, err)

	child, err := f.eng.AppendCaused(ctx, event.KindPositionUnassigned, &event.PositionUnassigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
		Reason:     "demobilized",
	}, parent.ID)
	require.NoError(t, err)

	assert.Equal(t, parent.ID, child.CausationID)
	assert.Equal(t, parent.CorrelationID, child.CorrelationID, "correlation thread inherited")

	assert.NotContains(t, f.projector.Snapshot(testOp).Assignments, "c-9")

	t.Run("unknown parent", func(t *testing.T) {
		_, err := f.eng.AppendCaused(ctx, event.KindPositionUnassigned, &event.PositionUnassigned{
			ContactID:  "c-9",
			PositionID: "ops-chief",
		}, uuid.NewString())
		assert.ErrorContains(t, err, "not in the local log")
	})

	t.Run("empty parent", func(t *testing.T) {
		_, err := f.eng.AppendCaused(ctx, event.KindPositionUnassigned, &event.PositionUnassigned{
			ContactID:  "c-9",
			PositionID: "ops-chief",
		}, "")

		var verr *event.ValidationError

		assert.ErrorAs(t, err, &verr)
	})
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	local, err := f.eng.Append(ctx, event.KindIAPPublished, &event.IAPPublished{Period: 3, Digest: "aaa111"})
	require.NoError(t, err)

	remote, err := f.eng.Append(ctx, event.KindIAPPublished, &event.IAPPublished{Period: 4, Digest: "bbb222"})
	require.NoError(t, err)

	qc := &resolve.QueuedConflict{
		ID:            "cf-1",
		OperationID:   testOp,
		Kind:          event.KindIAPPublished,
		EntityKey:     "iap/3",
		LocalEventID:  local.ID,
		RemoteEventID: remote.ID,
		DetectedAt:    event.NowMilli(),
	}
	require.NoError(t, f.store.EnqueueConflict(ctx, qc))

	t.Run("winner must be a candidate", func(t *testing.T) {
		_, err := f.eng.ResolveConflict(ctx, "cf-1", uuid.NewString())
		assert.ErrorContains(t, err, "not a candidate")
	})

	resolution, err := f.eng.ResolveConflict(ctx, "cf-1", remote.ID)
	require.NoError(t, err)

	assert.Equal(t, event.KindConflictResolved, resolution.Kind)
	assert.Equal(t, remote.ID, resolution.CausationID, "resolution descends from the winner")

	payload, ok := resolution.Payload.(*event.ConflictResolved)
	require.True(t, ok)
	assert.Equal(t, "cf-1", payload.ConflictID)
	assert.Equal(t, remote.ID, payload.WinnerEventID)
	assert.Equal(t, local.ID, payload.LoserEventID)

	settled, err := f.store.GetConflict(ctx, "cf-1")
	require.NoError(t, err)
	assert.True(t, settled.Resolved)
	assert.Equal(t, remote.ID, settled.WinnerEventID)

	t.Run("already resolved", func(t *testing.T) {
		_, err := f.eng.ResolveConflict(ctx, "cf-1", remote.ID)
		assert.ErrorContains(t, err, "already resolved")
	})

	t.Run("unknown conflict", func(t *testing.T) {
		_, err := f.eng.ResolveConflict(ctx, "cf-404", remote.ID)
		assert.Error(t, err)
	})
}

func TestSequencerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.eng.Append(ctx, event.KindMetricIncremented, &event.MetricIncremented{Metric: "meals_served", Delta: 1})
	require.NoError(t, err)

	// A fresh engine over the same store must never reissue a stamp.
	restarted := restartFixture(t, f.store)

	second, err := restarted.eng.Append(ctx, event.KindMetricIncremented, &event.MetricIncremented{Metric: "meals_served", Delta: 2})
	require.NoError(t, err)

	assert.True(t, causality.Less(first, second),
		"stamp (%d,%d) should precede (%d,%d)",
		first.Timestamp, first.Sequence, second.Timestamp, second.Sequence)
}

func TestFactoryMintsWithEngineIdentity(t *testing.T) {
	f := newFixture(t)

	ev, err := f.eng.Factory()(event.KindPositionUnassigned, &event.PositionUnassigned{
		ContactID:  "c-9",
		PositionID: "ops-chief",
	})
	require.NoError(t, err)

	assert.Equal(t, "ops1", ev.ActorID)
	assert.Equal(t, "laptop-1", ev.DeviceID)
	assert.Equal(t, testOp, ev.OperationID)
	assert.NotEmpty(t, ev.Hash)
}
