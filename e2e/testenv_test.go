//go:build e2e

package e2e

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/opslog/internal/syncer"
	"github.com/fieldops/opslog/testutil"
)

// testOp is the operation every e2e scenario runs under.
const testOp = "dr-2206"

var testLogger *slog.Logger

func TestMain(m *testing.M) {
	testLogger = testutil.Logger()
	os.Exit(m.Run())
}

// newAuthority creates a fresh authority database in a temp dir.
func newAuthority(t *testing.T) *testutil.Authority {
	t.Helper()

	path := filepath.Join(t.TempDir(), "authority.db")

	authority, err := testutil.OpenAuthority(path, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = authority.Close() })

	return authority
}

// newDevice creates a device replica in its own temp dir, wired to remote.
func newDevice(t *testing.T, actorID, deviceID string, remote syncer.Remote) *testutil.Device {
	t.Helper()

	return newDeviceAt(t, t.TempDir(), actorID, deviceID, remote)
}

// newDeviceAt creates a device replica rooted at dir, for tests that
// reopen the same directory later.
func newDeviceAt(t *testing.T, dir, actorID, deviceID string, remote syncer.Remote) *testutil.Device {
	t.Helper()

	dev, err := testutil.OpenDevice(context.Background(), dir, actorID, deviceID, testOp, remote, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	return dev
}

// reopenDevice closes dev and opens a new stack over the same directory,
// simulating a process restart.
func reopenDevice(t *testing.T, dir string, dev *testutil.Device, remote syncer.Remote) *testutil.Device {
	t.Helper()

	require.NoError(t, dev.Close())

	reopened, err := testutil.OpenDevice(context.Background(), dir, dev.ActorID, dev.DeviceID, dev.OperationID, remote, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	return reopened
}

// cycleAll runs sync cycles on each device in order, twice over, which is
// enough for any pair of replicas to reach quiescence through one
// authority.
func cycleAll(t *testing.T, devices ...*testutil.Device) {
	t.Helper()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		for _, d := range devices {
			require.NoError(t, d.Manager.Cycle(ctx, testOp))
		}
	}
}
