package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/project"
)

// TestTwoDeviceConvergence drives two devices through offline edits and
// alternating sync cycles against one authority, then checks that every
// replica, the authority included, projects byte-identical state.
func TestTwoDeviceConvergence(t *testing.T) {
	ctx := context.Background()
	authority := newTestAuthority(t)

	laptop := newDevice(t, "laptop-1", "ops1", authority)
	tablet := newDevice(t, "tablet-2", "ops2", authority)

	// Offline edits on both sides.
	laptop.append(t, &event.OperationCreated{Name: "DR-2206", Region: "Gulf Coast"})
	laptop.append(t, &event.FacilityCreated{FacilityID: "fac-7", Name: "Shelter 1", FacilityType: "shelter"})
	laptop.append(t, &event.MetricIncremented{Metric: "meals_served", Delta: 50})

	tablet.append(t, &event.MetricIncremented{Metric: "meals_served", Delta: 30})
	tablet.append(t, &event.RosterContactAdded{ContactID: "c-9", Name: "J. Ruiz", Title: "Ops Section Chief"})

	// Connectivity returns; each device cycles until quiescent.
	require.NoError(t, laptop.mgr.Cycle(ctx, testOp))
	require.NoError(t, tablet.mgr.Cycle(ctx, testOp))
	require.NoError(t, laptop.mgr.Cycle(ctx, testOp))
	require.NoError(t, tablet.mgr.Cycle(ctx, testOp))

	laptopEvents, err := laptop.chn.ReadRange(ctx, testOp, 0)
	require.NoError(t, err)
	tabletEvents, err := tablet.chn.ReadRange(ctx, testOp, 0)
	require.NoError(t, err)
	require.Len(t, laptopEvents, 5)
	require.Len(t, tabletEvents, 5)

	assert.Empty(t, syncStatuses(t, laptop, event.SyncLocal))
	assert.Empty(t, syncStatuses(t, tablet, event.SyncLocal))

	laptopView := laptop.projector.Snapshot(testOp)
	tabletView := tablet.projector.Snapshot(testOp)

	assert.Equal(t, int64(80), laptopView.Counters["meals_served"])
	assert.Equal(t, int64(80), tabletView.Counters["meals_served"])
	assert.Contains(t, tabletView.Facilities, "fac-7")
	assert.Contains(t, laptopView.Roster, "c-9")

	laptopDigest, err := laptopView.Digest()
	require.NoError(t, err)
	tabletDigest, err := tabletView.Digest()
	require.NoError(t, err)
	assert.Equal(t, laptopDigest, tabletDigest, "replicas converge")

	canonical, err := authority.chn.ReadRange(ctx, testOp, 0)
	require.NoError(t, err)

	authorityView, queued, err := project.Replay(testOp, canonical)
	require.NoError(t, err)
	assert.Empty(t, queued)

	authorityDigest, err := authorityView.Digest()
	require.NoError(t, err)
	assert.Equal(t, laptopDigest, authorityDigest, "authority agrees with replicas")

	// Per-replica chains verify end to end even though their event orders
	// differ.
	require.NoError(t, laptop.chn.VerifyChain(ctx, testOp))
	require.NoError(t, tablet.chn.VerifyChain(ctx, testOp))
	require.NoError(t, authority.chn.VerifyChain(ctx, testOp))
}

// TestConvergenceWithConcurrentRename checks that a facility renamed on two
// offline devices settles on the same name everywhere.
func TestConvergenceWithConcurrentRename(t *testing.T) {
	ctx := context.Background()
	authority := newTestAuthority(t)

	laptop := newDevice(t, "laptop-1", "ops1", authority)
	tablet := newDevice(t, "tablet-2", "ops2", authority)

	created := craft(t, &event.FacilityCreated{FacilityID: "fac-7", Name: "Shelter 1", FacilityType: "shelter"}, 1000, 0, "ops1", "laptop-1")
	appendLocal(t, laptop, created)
	require.NoError(t, laptop.mgr.Cycle(ctx, testOp))
	require.NoError(t, tablet.mgr.Cycle(ctx, testOp))

	// Both rename offline; the later timestamp must win everywhere.
	renameA := craft(t, &event.FacilityUpdated{FacilityID: "fac-7", Name: "Shelter 1 Annex"}, 3000, 0, "ops1", "laptop-1")
	appendLocal(t, laptop, renameA)

	renameB := craft(t, &event.FacilityUpdated{FacilityID: "fac-7", Name: "Shelter One"}, 2000, 0, "ops2", "tablet-2")
	appendLocal(t, tablet, renameB)

	require.NoError(t, laptop.mgr.Cycle(ctx, testOp))
	require.NoError(t, tablet.mgr.Cycle(ctx, testOp))
	require.NoError(t, laptop.mgr.Cycle(ctx, testOp))
	require.NoError(t, tablet.mgr.Cycle(ctx, testOp))

	assert.Equal(t, "Shelter 1 Annex", laptop.projector.Snapshot(testOp).Facilities["fac-7"].Name)
	assert.Equal(t, "Shelter 1 Annex", tablet.projector.Snapshot(testOp).Facilities["fac-7"].Name)

	laptopDigest, err := laptop.projector.Snapshot(testOp).Digest()
	require.NoError(t, err)
	tabletDigest, err := tablet.projector.Snapshot(testOp).Digest()
	require.NoError(t, err)
	assert.Equal(t, laptopDigest, tabletDigest)
}
