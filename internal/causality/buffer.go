package causality

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldops/opslog/internal/event"
)

// ErrBufferFull is returned when the awaiting-parent buffer is at capacity.
// The caller should fall back to a full sync rather than drop events.
var ErrBufferFull = errors.New("causality: awaiting-parent buffer full")

// ParentTimeoutError reports an event whose causation parent never arrived
// within the configured window. Recovery requires a full sync.
type ParentTimeoutError struct {
	EventID  string
	ParentID string
	Waited   time.Duration
}

func (e *ParentTimeoutError) Error() string {
	return fmt.Sprintf("causality: event %s waited %s for missing parent %s; full sync required",
		e.EventID, e.Waited.Round(time.Millisecond), e.ParentID)
}

type buffered struct {
	ev       *event.Event
	arrived  time.Time
	parentID string
}

// ParentBuffer holds synced events that arrived before their causation
// parent. It is bounded; overflow is an explicit error, never a silent
// drop. Thread-safe.
type ParentBuffer struct {
	mu       sync.Mutex
	byParent map[string][]*buffered
	size     int
	capacity int
	timeout  time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable for testing
}

// NewParentBuffer creates a buffer holding at most capacity events, each
// waiting at most timeout for its parent.
func NewParentBuffer(capacity int, timeout time.Duration, logger *slog.Logger) *ParentBuffer {
	if logger == nil {
		logger = slog.Default()
	}

	return &ParentBuffer{
		byParent: make(map[string][]*buffered),
		capacity: capacity,
		timeout:  timeout,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Hold buffers an event whose causation parent has not been applied yet.
func (b *ParentBuffer) Hold(ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size >= b.capacity {
		return fmt.Errorf("%w: capacity %d", ErrBufferFull, b.capacity)
	}

	b.byParent[ev.CausationID] = append(b.byParent[ev.CausationID], &buffered{
		ev:       ev,
		arrived:  b.nowFunc(),
		parentID: ev.CausationID,
	})
	b.size++

	b.logger.Debug("event buffered awaiting parent",
		slog.String("event_id", ev.ID),
		slog.String("parent_id", ev.CausationID),
		slog.Int("buffered", b.size),
	)

	return nil
}

// Release returns the events that were waiting for parentID, in arrival
// order, removing them from the buffer. Call after the parent is applied.
func (b *ParentBuffer) Release(parentID string) []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiting := b.byParent[parentID]
	if len(waiting) == 0 {
		return nil
	}

	delete(b.byParent, parentID)
	b.size -= len(waiting)

	released := make([]*event.Event, len(waiting))
	for i, w := range waiting {
		released[i] = w.ev
	}

	return released
}

// Expired removes and returns a ParentTimeoutError for every event that has
// waited longer than the timeout. An empty result means no event is stuck.
func (b *ParentBuffer) Expired() []*ParentTimeoutError {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()

	var expired []*ParentTimeoutError

	for parentID, waiting := range b.byParent {
		var kept []*buffered

		for _, w := range waiting {
			waited := now.Sub(w.arrived)
			if waited > b.timeout {
				expired = append(expired, &ParentTimeoutError{
					EventID:  w.ev.ID,
					ParentID: w.parentID,
					Waited:   waited,
				})
				b.size--

				continue
			}

			kept = append(kept, w)
		}

		if len(kept) == 0 {
			delete(b.byParent, parentID)
		} else {
			b.byParent[parentID] = kept
		}
	}

	return expired
}

// Len returns the number of buffered events.
func (b *ParentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.size
}
