package chain

import (
	"context"
	"fmt"

	"github.com/fieldops/opslog/internal/event"
)

// VerifyChain walks the operation's full stream, recomputing every content
// hash and checking every previousHash link. It returns the first break as
// an *IntegrityError, or nil for an intact chain. Used for local corruption
// probes and for validating pulled batches before merge.
func (s *Store) VerifyChain(ctx context.Context, operationID string) error {
	events, err := s.persist.ReadRange(ctx, operationID, 0, 0)
	if err != nil {
		return fmt.Errorf("chain: reading %s for verification: %w", operationID, err)
	}

	return VerifyEvents(operationID, events, event.GenesisHash)
}

// VerifyEvents checks hash integrity and linkage of an ordered event slice
// whose first event should link to expectedPrev. It reports the first break
// found. A pulled batch is verified with expectedPrev set to the receiver's
// record of the sender's prior tail, or skipped linkage via VerifyContent.
func VerifyEvents(operationID string, events []*event.Event, expectedPrev string) error {
	for i, ev := range events {
		ok, err := event.VerifyHash(ev)
		if err != nil {
			return fmt.Errorf("chain: hashing event %s during verification: %w", ev.ID, err)
		}

		if !ok {
			return &IntegrityError{
				OperationID: operationID,
				EventID:     ev.ID,
				Position:    positionOf(ev, i),
				Reason:      "content hash does not match event fields",
			}
		}

		if ev.PreviousHash != expectedPrev {
			return &IntegrityError{
				OperationID: operationID,
				EventID:     ev.ID,
				Position:    positionOf(ev, i),
				Reason: fmt.Sprintf("previousHash %.12s does not match predecessor digest %.12s",
					ev.PreviousHash, expectedPrev),
			}
		}

		expectedPrev = ev.Hash
	}

	return nil
}

// VerifyContent recomputes content hashes only, ignoring linkage. Pulled
// batches are verified this way because their previousHash values refer to
// the sender's stream, and re-linking happens at local append.
func VerifyContent(operationID string, events []*event.Event) error {
	for i, ev := range events {
		ok, err := event.VerifyHash(ev)
		if err != nil {
			return fmt.Errorf("chain: hashing event %s during verification: %w", ev.ID, err)
		}

		if !ok {
			return &IntegrityError{
				OperationID: operationID,
				EventID:     ev.ID,
				Position:    positionOf(ev, i),
				Reason:      "content hash does not match event fields",
			}
		}
	}

	return nil
}

func positionOf(ev *event.Event, index int) int64 {
	if ev.Position > 0 {
		return ev.Position
	}

	return int64(index + 1)
}
