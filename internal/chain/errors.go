package chain

import "fmt"

// IntegrityError reports a break in an operation's hash chain: a content
// hash that does not recompute, a previousHash that does not match the
// predecessor, or a missing predecessor. Position is the log position of
// the first broken link (0 when the break was detected at append time
// before positioning).
type IntegrityError struct {
	OperationID string
	EventID     string
	Position    int64
	Reason      string
}

func (e *IntegrityError) Error() string {
	if e.Position > 0 {
		return fmt.Sprintf("chain: integrity break in %s at position %d (event %s): %s",
			e.OperationID, e.Position, e.EventID, e.Reason)
	}

	return fmt.Sprintf("chain: integrity break in %s (event %s): %s", e.OperationID, e.EventID, e.Reason)
}
