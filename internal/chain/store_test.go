package chain

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/state"
)

const testOp = "dr-2206"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	return NewStore(state.NewMemoryStore(), testLogger(t))
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tamperStore wraps a persistence backend and mutates events on the way
// out, simulating storage corruption the chain store cannot see at append
// time.
type tamperStore struct {
	*state.MemoryStore
	alter func([]*event.Event)
}

func (ts *tamperStore) ReadRange(ctx context.Context, operationID string, from, to int64) ([]*event.Event, error) {
	events, err := ts.MemoryStore.ReadRange(ctx, operationID, from, to)
	if err != nil {
		return nil, err
	}

	ts.alter(events)

	return events, nil
}

func makeEvent(t *testing.T, seq *event.Sequencer, payload event.Payload) *event.Event {
	t.Helper()

	ev, err := event.New(event.ActorContext{
		ActorID:     "alice",
		DeviceID:    "laptop-1",
		SessionID:   "sess-1",
		OperationID: testOp,
	}, payload.Kind(), payload, seq)
	require.NoError(t, err)

	return ev
}

func appendN(t *testing.T, store *Store, n int) []*event.Event {
	t.Helper()

	ctx := context.Background()
	seq := event.NewSequencer()
	events := make([]*event.Event, n)

	for i := 0; i < n; i++ {
		ev := makeEvent(t, seq, &event.MetricIncremented{Metric: "meals_served", Delta: int64(i + 1)})
		require.NoError(t, store.AppendLinked(ctx, ev))
		events[i] = ev
	}

	return events
}

func TestAppendLinked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := appendN(t, store, 3)

	t.Run("first event links to genesis", func(t *testing.T) {
		assert.Equal(t, event.GenesisHash, events[0].PreviousHash)
	})

	t.Run("each event links to its predecessor", func(t *testing.T) {
		assert.Equal(t, events[0].Hash, events[1].PreviousHash)
		assert.Equal(t, events[1].Hash, events[2].PreviousHash)
	})

	t.Run("positions are assigned in order", func(t *testing.T) {
		assert.Equal(t, int64(1), events[0].Position)
		assert.Equal(t, int64(2), events[1].Position)
		assert.Equal(t, int64(3), events[2].Position)
	})

	t.Run("tail is the newest content hash", func(t *testing.T) {
		tail, err := store.Tail(ctx, testOp)
		require.NoError(t, err)
		assert.Equal(t, events[2].Hash, tail)
	})
}

func TestAppendLinkedConcurrentWriters(t *testing.T) {
	// A local append and a pull merge may hit the same stream at once;
	// both writers must link against the tail they actually extend, never
	// halt the stream over the race.
	store := newTestStore(t)
	ctx := context.Background()

	const perWriter = 200

	var g errgroup.Group

	for _, deviceID := range []string{"laptop-1", "tablet-2"} {
		deviceID := deviceID
		g.Go(func() error {
			seq := event.NewSequencer()

			for i := 0; i < perWriter; i++ {
				ev, err := event.New(event.ActorContext{
					ActorID:     "alice",
					DeviceID:    deviceID,
					SessionID:   "sess-1",
					OperationID: testOp,
				}, event.KindMetricIncremented, &event.MetricIncremented{Metric: "meals_served", Delta: int64(i + 1)}, seq)
				if err != nil {
					return err
				}

				if err := store.AppendLinked(ctx, ev); err != nil {
					return err
				}
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.Nil(t, store.Halted(testOp))

	events, err := store.ReadRange(ctx, testOp, 0)
	require.NoError(t, err)
	require.Len(t, events, 2*perWriter)

	require.NoError(t, store.VerifyChain(ctx, testOp))
}

func TestAppendDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := appendN(t, store, 1)

	// Re-delivery of the same event is a no-op, not an error.
	require.NoError(t, store.Append(ctx, events[0].Clone()))

	all, err := store.ReadRange(ctx, testOp, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAppendTamperedContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seq := event.NewSequencer()

	ev := makeEvent(t, seq, &event.MetricIncremented{Metric: "meals_served", Delta: 5})
	ev.RawPayload = json.RawMessage(`{"metric":"meals_served","delta":500}`)
	ev.PreviousHash = event.GenesisHash

	err := store.Append(ctx, ev)

	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, ev.ID, ierr.EventID)
}

func TestAppendBrokenLinkage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seq := event.NewSequencer()

	appendN(t, store, 2)

	stray := makeEvent(t, seq, &event.MetricIncremented{Metric: "meals_served", Delta: 9})
	stray.PreviousHash = event.GenesisHash // stream tail has moved on

	err := store.Append(ctx, stray)

	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)

	t.Run("stream halts after a break", func(t *testing.T) {
		require.NotNil(t, store.Halted(testOp))

		next := makeEvent(t, seq, &event.MetricIncremented{Metric: "meals_served", Delta: 1})
		err := store.AppendLinked(ctx, next)
		assert.ErrorContains(t, err, "halted")
	})

	t.Run("reconcile lifts the halt", func(t *testing.T) {
		store.Reconcile(testOp)
		assert.Nil(t, store.Halted(testOp))

		next := makeEvent(t, seq, &event.MetricIncremented{Metric: "meals_served", Delta: 1})
		assert.NoError(t, store.AppendLinked(ctx, next))
	})
}

func TestVerifyChain(t *testing.T) {
	t.Run("intact chain verifies", func(t *testing.T) {
		store := newTestStore(t)
		appendN(t, store, 5)

		assert.NoError(t, store.VerifyChain(context.Background(), testOp))
	})

	t.Run("empty stream verifies", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.VerifyChain(context.Background(), testOp))
	})

	t.Run("mutation is reported at its exact position", func(t *testing.T) {
		tampered := &tamperStore{MemoryStore: state.NewMemoryStore(), alter: func([]*event.Event) {}}
		store := NewStore(tampered, testLogger(t))
		ctx := context.Background()

		events := appendN(t, store, 4)

		// Corrupt the third stored event behind the chain store's back.
		tampered.alter = func(out []*event.Event) {
			if len(out) >= 3 {
				out[2].RawPayload = json.RawMessage(`{"metric":"meals_served","delta":9999}`)
			}
		}

		err := store.VerifyChain(ctx, testOp)

		var ierr *IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, int64(3), ierr.Position)
		assert.Equal(t, events[2].ID, ierr.EventID)
		assert.Contains(t, ierr.Reason, "content hash")
	})
}

func TestVerifyEvents(t *testing.T) {
	store := newTestStore(t)
	events := appendN(t, store, 3)

	t.Run("linkage break names the event", func(t *testing.T) {
		relinked := []*event.Event{events[0].Clone(), events[2].Clone()} // events[1] missing

		err := VerifyEvents(testOp, relinked, event.GenesisHash)

		var ierr *IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, events[2].ID, ierr.EventID)
	})

	t.Run("content-only verification ignores linkage", func(t *testing.T) {
		shuffled := []*event.Event{events[2].Clone(), events[0].Clone()}
		assert.NoError(t, VerifyContent(testOp, shuffled))
	})
}
