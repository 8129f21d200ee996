package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// MemoryStore is an in-memory implementation of the same persistence
// surface as SQLiteStore. Used in tests and as the backing store of the
// simulated remote authority; the engine cannot tell the difference, which
// is the point of the persistence boundary.
type MemoryStore struct {
	mu            sync.RWMutex
	nextPosition  int64
	byOperation   map[string][]*event.Event
	byID          map[string]*event.Event
	cursors       map[string]int64 // deviceID "/" operationID
	conflicts     []*resolve.QueuedConflict
	conflictBound int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOperation:   make(map[string][]*event.Event),
		byID:          make(map[string]*event.Event),
		cursors:       make(map[string]int64),
		conflictBound: DefaultConflictQueueBound,
	}
}

// AppendRaw stores a copy of the event and assigns its Position.
func (m *MemoryStore) AppendRaw(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[ev.ID]; exists {
		return fmt.Errorf("state: event %s already stored", ev.ID)
	}

	m.nextPosition++
	ev.Position = m.nextPosition

	stored := ev.Clone()
	m.byOperation[ev.OperationID] = append(m.byOperation[ev.OperationID], stored)
	m.byID[ev.ID] = stored

	return nil
}

// ReadRange returns copies of the operation's events with position > from,
// bounded inclusively by to when positive.
func (m *MemoryStore) ReadRange(_ context.Context, operationID string, from, to int64) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event

	for _, ev := range m.byOperation[operationID] {
		if ev.Position <= from {
			continue
		}

		if to > 0 && ev.Position > to {
			continue
		}

		out = append(out, ev.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })

	return out, nil
}

// ReadTail returns a copy of the newest event in the stream, or nil.
func (m *MemoryStore) ReadTail(_ context.Context, operationID string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.byOperation[operationID]
	if len(events) == 0 {
		return nil, nil
	}

	return events[len(events)-1].Clone(), nil
}

// HasEvent reports whether an event with the given ID is stored.
func (m *MemoryStore) HasEvent(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byID[id]

	return ok, nil
}

// UpdateSyncStatus mutates the three sync bookkeeping fields.
func (m *MemoryStore) UpdateSyncStatus(_ context.Context, id string, status event.SyncStatus, attempts int, syncErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("state: updating sync status: event %s not found", id)
	}

	ev.SyncStatus = status
	ev.SyncAttempts = attempts
	ev.SyncError = syncErr

	return nil
}

// ListByStatus returns copies of the operation's events in one sync
// status, in position order.
func (m *MemoryStore) ListByStatus(_ context.Context, operationID string, status event.SyncStatus) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event

	for _, ev := range m.byOperation[operationID] {
		if ev.SyncStatus == status {
			out = append(out, ev.Clone())
		}
	}

	return out, nil
}

// DeviceTail returns the newest (timestamp, sequence) pair for a device.
func (m *MemoryStore) DeviceTail(_ context.Context, deviceID string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ts, seq int64

	for _, events := range m.byOperation {
		for _, ev := range events {
			if ev.DeviceID != deviceID {
				continue
			}

			if ev.Timestamp > ts || (ev.Timestamp == ts && ev.Sequence > seq) {
				ts = ev.Timestamp
				seq = ev.Sequence
			}
		}
	}

	return ts, seq, nil
}

// GetCursor returns the pull watermark for (deviceID, operationID).
func (m *MemoryStore) GetCursor(_ context.Context, deviceID, operationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cursors[deviceID+"/"+operationID], nil
}

// SaveCursor advances the pull watermark.
func (m *MemoryStore) SaveCursor(_ context.Context, deviceID, operationID string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors[deviceID+"/"+operationID] = position

	return nil
}

// EnqueueConflict records a manual conflict, bounded like the SQLite
// implementation.
func (m *MemoryStore) EnqueueConflict(_ context.Context, qc *resolve.QueuedConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := 0

	for _, c := range m.conflicts {
		if c.OperationID == qc.OperationID && !c.Resolved {
			open++
		}
	}

	if open >= m.conflictBound {
		return fmt.Errorf("%w: %d open conflicts in %s", ErrConflictQueueFull, open, qc.OperationID)
	}

	stored := *qc
	m.conflicts = append(m.conflicts, &stored)

	return nil
}

// ListConflicts returns the operation's conflicts in detection order.
func (m *MemoryStore) ListConflicts(_ context.Context, operationID string, openOnly bool) ([]*resolve.QueuedConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*resolve.QueuedConflict

	for _, c := range m.conflicts {
		if c.OperationID != operationID {
			continue
		}

		if openOnly && c.Resolved {
			continue
		}

		cp := *c
		out = append(out, &cp)
	}

	return out, nil
}

// GetConflict returns one queued conflict by ID.
func (m *MemoryStore) GetConflict(_ context.Context, id string) (*resolve.QueuedConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conflicts {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}

	return nil, fmt.Errorf("state: conflict %s not found", id)
}

// MarkConflictResolved closes a queued conflict with the chosen winner.
func (m *MemoryStore) MarkConflictResolved(_ context.Context, id, winnerEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conflicts {
		if c.ID == id && !c.Resolved {
			c.Resolved = true
			c.WinnerEventID = winnerEventID

			return nil
		}
	}

	return fmt.Errorf("state: resolving conflict: %s not found or already resolved", id)
}

// OpenConflictCount returns the number of unresolved conflicts.
func (m *MemoryStore) OpenConflictCount(_ context.Context, operationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0

	for _, c := range m.conflicts {
		if c.OperationID == operationID && !c.Resolved {
			count++
		}
	}

	return count, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }
