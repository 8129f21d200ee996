package event

import "sync"

// Sequencer hands out the per-device (timestamp, sequence) pair that orders
// events created on one device. Within one wall-clock millisecond the
// sequence is strictly increasing; a new millisecond resets it to zero.
// Clock regressions are clamped to the last seen timestamp so the pair
// never goes backwards. Safe for concurrent use, though event construction
// is serialized by the engine's critical section anyway.
type Sequencer struct {
	mu     sync.Mutex
	lastTS int64
	seq    int64
}

// NewSequencer creates a sequencer starting fresh. Restore the high-water
// mark with Restore when resuming from a persisted log.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Restore primes the sequencer from the newest persisted event on this
// device so a restart cannot reissue (timestamp, sequence) pairs.
func (s *Sequencer) Restore(timestamp, sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timestamp > s.lastTS || (timestamp == s.lastTS && sequence > s.seq) {
		s.lastTS = timestamp
		s.seq = sequence
	}
}

// Stamp returns the timestamp and sequence an event created at wall-clock
// time ts should carry. A regressed clock reuses the last seen timestamp.
func (s *Sequencer) Stamp(ts int64) (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts > s.lastTS {
		s.lastTS = ts
		s.seq = 0

		return ts, 0
	}

	s.seq++

	return s.lastTS, s.seq
}
