// Package project folds verified event streams into read-optimized
// materialized views. Projection is a pure function of the event sequence:
// the same events always yield a byte-identical view, which makes full
// rebuilds after corruption or schema migration safe and makes the
// incremental path checkable against a fresh replay.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/fieldops/opslog/internal/event"
)

// OperationInfo is the operation-scope header of a view.
type OperationInfo struct {
	Name      string `json:"name"`
	Region    string `json:"region,omitempty"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}

// Facility is the projected state of one facility.
type Facility struct {
	FacilityID   string               `json:"facilityId"`
	Name         string               `json:"name"`
	FacilityType string               `json:"facilityType"`
	Address      string               `json:"address,omitempty"`
	Status       event.FacilityStatus `json:"status"`
	ClosedReason string               `json:"closedReason,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
}

// Contact is the projected roster entry for one person.
type Contact struct {
	ContactID string `json:"contactId"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Section   string `json:"section,omitempty"`
	ReportsTo string `json:"reportsTo,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
}

// Assignment is a contact's single active position assignment.
type Assignment struct {
	ContactID  string `json:"contactId"`
	PositionID string `json:"positionId"`
	FacilityID string `json:"facilityId,omitempty"`
	AssignedAt int64  `json:"assignedAt"`
	EventID    string `json:"eventId"`
}

// IAPRecord is one published incident action plan period.
type IAPRecord struct {
	Period      int    `json:"period"`
	Digest      string `json:"digest"`
	PublishedBy string `json:"publishedBy"`
	PublishedAt int64  `json:"publishedAt"`
}

// writeKey is the last-writer-wins register key tracked per entity so
// incremental application is order-independent for LWW kinds.
type writeKey struct {
	Timestamp int64  `json:"timestamp"`
	ActorID   string `json:"actorId"`
	EventID   string `json:"eventId"`
}

// beats reports whether k wins a last-write-wins comparison against other,
// on the (timestamp, actorId) lexicographic key with the event ID as the
// final deterministic tie-breaker.
func (k writeKey) beats(other writeKey) bool {
	if k.Timestamp != other.Timestamp {
		return k.Timestamp > other.Timestamp
	}

	if k.ActorID != other.ActorID {
		return k.ActorID > other.ActorID
	}

	return k.EventID > other.EventID
}

// firstKey is the first-write-wins register key: (timestamp, sequence,
// deviceId), smallest wins.
type firstKey struct {
	Timestamp int64  `json:"timestamp"`
	Sequence  int64  `json:"sequence"`
	DeviceID  string `json:"deviceId"`
	EventID   string `json:"eventId"`
}

func (k firstKey) before(other firstKey) bool {
	if k.Timestamp != other.Timestamp {
		return k.Timestamp < other.Timestamp
	}

	if k.Sequence != other.Sequence {
		return k.Sequence < other.Sequence
	}

	if k.DeviceID != other.DeviceID {
		return k.DeviceID < other.DeviceID
	}

	return k.EventID < other.EventID
}

// View is the materialized state of one operation. It is owned exclusively
// by the Projector; collaborators read snapshots.
type View struct {
	OperationID string                 `json:"operationId"`
	Operation   *OperationInfo         `json:"operation,omitempty"`
	Facilities  map[string]*Facility   `json:"facilities"`
	Roster      map[string]*Contact    `json:"roster"`
	Assignments map[string]*Assignment `json:"assignments"`
	Counters    map[string]int64       `json:"counters"`
	IAPs        map[int]*IAPRecord     `json:"iaps"`

	// AppliedCount and LastEventID describe how far the view has folded.
	AppliedCount int    `json:"appliedCount"`
	LastEventID  string `json:"lastEventId,omitempty"`

	// Register bookkeeping that makes application order-independent.
	lastWrites map[string]writeKey
	firstWins  map[string]firstKey
	applied    map[string]bool

	// Assignment fold state: the LWW-winning assignment per contact, the
	// set of assignment event IDs explicitly cancelled by
	// position.unassigned events carrying a causation link, and a
	// max-register of causation-less un-assignments per
	// (contact, position). A contact's active assignment is the register
	// winner unless it was cancelled by ID or is beaten by a blind
	// un-assignment of its position.
	bestAssign   map[string]*Assignment
	cancelled    map[string]bool
	blindCancels map[string]writeKey
}

// NewView creates an empty view for one operation.
func NewView(operationID string) *View {
	return &View{
		OperationID:  operationID,
		Facilities:   make(map[string]*Facility),
		Roster:       make(map[string]*Contact),
		Assignments:  make(map[string]*Assignment),
		Counters:     make(map[string]int64),
		IAPs:         make(map[int]*IAPRecord),
		lastWrites:   make(map[string]writeKey),
		firstWins:    make(map[string]firstKey),
		applied:      make(map[string]bool),
		bestAssign:   make(map[string]*Assignment),
		cancelled:    make(map[string]bool),
		blindCancels: make(map[string]writeKey),
	}
}

// Snapshot returns a deep copy safe for concurrent readers. Register
// bookkeeping is not copied; snapshots are read-only values.
func (v *View) Snapshot() *View {
	cp := NewView(v.OperationID)
	cp.AppliedCount = v.AppliedCount
	cp.LastEventID = v.LastEventID

	if v.Operation != nil {
		op := *v.Operation
		cp.Operation = &op
	}

	for id, f := range v.Facilities {
		fc := *f
		fc.Tags = append([]string(nil), f.Tags...)
		cp.Facilities[id] = &fc
	}

	for id, c := range v.Roster {
		cc := *c
		cp.Roster[id] = &cc
	}

	for id, a := range v.Assignments {
		ac := *a
		cp.Assignments[id] = &ac
	}

	for name, n := range v.Counters {
		cp.Counters[name] = n
	}

	for period, iap := range v.IAPs {
		ic := *iap
		cp.IAPs[period] = &ic
	}

	return cp
}

// digestState is the projected domain state covered by Digest. Fold
// bookkeeping (AppliedCount, LastEventID) is excluded so an incremental
// view and a fresh replay that reached the same state digest identically
// even when they folded in different orders.
type digestState struct {
	OperationID string                 `json:"operationId"`
	Operation   *OperationInfo         `json:"operation,omitempty"`
	Facilities  map[string]*Facility   `json:"facilities"`
	Roster      map[string]*Contact    `json:"roster"`
	Assignments map[string]*Assignment `json:"assignments"`
	Counters    map[string]int64       `json:"counters"`
	IAPs        map[int]*IAPRecord     `json:"iaps"`
}

// Digest returns the hex SHA-256 of the view's canonical JSON form. Two
// views with identical projected state produce identical digests, which is
// how the divergence self-check and the replay-determinism tests compare
// views.
func (v *View) Digest() (string, error) {
	encoded, err := json.Marshal(digestState{
		OperationID: v.OperationID,
		Operation:   v.Operation,
		Facilities:  v.Facilities,
		Roster:      v.Roster,
		Assignments: v.Assignments,
		Counters:    v.Counters,
		IAPs:        v.IAPs,
	})
	if err != nil {
		return "", fmt.Errorf("project: marshaling view: %w", err)
	}

	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("project: canonicalizing view: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// ActiveRoster returns the non-removed roster entries sorted by contact ID,
// for deterministic listing output.
func (v *View) ActiveRoster() []*Contact {
	contacts := make([]*Contact, 0, len(v.Roster))

	for _, c := range v.Roster {
		if !c.Removed {
			contacts = append(contacts, c)
		}
	}

	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ContactID < contacts[j].ContactID })

	return contacts
}
