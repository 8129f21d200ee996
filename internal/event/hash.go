package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the designated previousHash value for the first event in
// an operation's stream.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashContent is the canonical field tuple the content hash covers. The
// hash is a pure function of these five fields; linkage fields and sync
// bookkeeping are deliberately excluded so that independently constructed
// events with identical content collide for de-duplication.
type hashContent struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	ActorID   string          `json:"actorId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ComputeHash returns the hex SHA-256 of the RFC 8785 canonical JSON of the
// event's content tuple. Canonicalization makes the digest independent of
// map ordering and encoder quirks, so every replica computes the same
// value.
func ComputeHash(ev *Event) (string, error) {
	content := hashContent{
		ID:        ev.ID,
		Kind:      ev.Kind,
		ActorID:   ev.ActorID,
		Timestamp: ev.Timestamp,
		Payload:   ev.RawPayload,
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("event: marshaling hash content: %w", err)
	}

	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("event: canonicalizing hash content: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the event's content hash and reports whether it
// matches the stored value.
func VerifyHash(ev *Event) (bool, error) {
	computed, err := ComputeHash(ev)
	if err != nil {
		return false, err
	}

	return computed == ev.Hash, nil
}
