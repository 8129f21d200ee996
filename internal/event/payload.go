package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the closed tagged union of per-kind event bodies. Validation
// here is structural only: required fields present, values in range.
// Business invariants (such as single active assignment) belong to the
// projector and the conflict resolver.
type Payload interface {
	// Kind returns the event kind this payload belongs to.
	Kind() Kind
	// Validate checks the payload's structural shape, returning a
	// *ValidationError naming the offending field on failure.
	Validate() error
	// EntityKey identifies the logical entity the event targets, used for
	// concurrent-edit detection. Events with different entity keys never
	// conflict.
	EntityKey() string
}

// OperationCreated opens a new operation scope.
type OperationCreated struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

func (p *OperationCreated) Kind() Kind { return KindOperationCreated }

func (p *OperationCreated) EntityKey() string { return "operation" }

func (p *OperationCreated) Validate() error {
	if p.Name == "" {
		return &ValidationError{Kind: p.Kind(), Field: "name", Reason: "must not be empty"}
	}

	return nil
}

// FacilityStatus enumerates the lifecycle states a facility can be in.
type FacilityStatus string

// Facility statuses.
const (
	FacilityOpen    FacilityStatus = "open"
	FacilityStandby FacilityStatus = "standby"
	FacilityClosedS FacilityStatus = "closed"
)

func validFacilityStatus(s FacilityStatus) bool {
	switch s {
	case FacilityOpen, FacilityStandby, FacilityClosedS:
		return true
	default:
		return false
	}
}

// FacilityCreated registers a facility (shelter, kitchen, warehouse) in the
// operation.
type FacilityCreated struct {
	FacilityID   string `json:"facilityId"`
	Name         string `json:"name"`
	FacilityType string `json:"facilityType"`
	Address      string `json:"address,omitempty"`
}

func (p *FacilityCreated) Kind() Kind { return KindFacilityCreated }

func (p *FacilityCreated) EntityKey() string { return "facility/" + p.FacilityID }

func (p *FacilityCreated) Validate() error {
	switch {
	case p.FacilityID == "":
		return &ValidationError{Kind: p.Kind(), Field: "facilityId", Reason: "must not be empty"}
	case p.Name == "":
		return &ValidationError{Kind: p.Kind(), Field: "name", Reason: "must not be empty"}
	case p.FacilityType == "":
		return &ValidationError{Kind: p.Kind(), Field: "facilityType", Reason: "must not be empty"}
	}

	return nil
}

// FacilityUpdated changes mutable facility attributes. Empty fields mean
// "unchanged"; at least one field must be set.
type FacilityUpdated struct {
	FacilityID string         `json:"facilityId"`
	Name       string         `json:"name,omitempty"`
	Address    string         `json:"address,omitempty"`
	Status     FacilityStatus `json:"status,omitempty"`
}

func (p *FacilityUpdated) Kind() Kind { return KindFacilityUpdated }

func (p *FacilityUpdated) EntityKey() string { return "facility/" + p.FacilityID }

func (p *FacilityUpdated) Validate() error {
	switch {
	case p.FacilityID == "":
		return &ValidationError{Kind: p.Kind(), Field: "facilityId", Reason: "must not be empty"}
	case p.Name == "" && p.Address == "" && p.Status == "":
		return &ValidationError{Kind: p.Kind(), Field: "name", Reason: "at least one field must change"}
	case p.Status != "" && !validFacilityStatus(p.Status):
		return &ValidationError{Kind: p.Kind(), Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}

	return nil
}

// FacilityClosed marks a facility as permanently closed.
type FacilityClosed struct {
	FacilityID string `json:"facilityId"`
	Reason     string `json:"reason,omitempty"`
}

func (p *FacilityClosed) Kind() Kind { return KindFacilityClosed }

func (p *FacilityClosed) EntityKey() string { return "facility/" + p.FacilityID }

func (p *FacilityClosed) Validate() error {
	if p.FacilityID == "" {
		return &ValidationError{Kind: p.Kind(), Field: "facilityId", Reason: "must not be empty"}
	}

	return nil
}

// FacilityTagAdded attaches a classification tag to a facility. Tags form a
// grow-only set, merged by union.
type FacilityTagAdded struct {
	FacilityID string `json:"facilityId"`
	Tag        string `json:"tag"`
}

func (p *FacilityTagAdded) Kind() Kind { return KindFacilityTagAdded }

func (p *FacilityTagAdded) EntityKey() string { return "facility/" + p.FacilityID + "/tags" }

func (p *FacilityTagAdded) Validate() error {
	switch {
	case p.FacilityID == "":
		return &ValidationError{Kind: p.Kind(), Field: "facilityId", Reason: "must not be empty"}
	case p.Tag == "":
		return &ValidationError{Kind: p.Kind(), Field: "tag", Reason: "must not be empty"}
	}

	return nil
}

// RosterContactAdded puts a person on the operation's contact roster.
type RosterContactAdded struct {
	ContactID string `json:"contactId"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Section   string `json:"section,omitempty"`
	ReportsTo string `json:"reportsTo,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

func (p *RosterContactAdded) Kind() Kind { return KindRosterContactAdded }

func (p *RosterContactAdded) EntityKey() string { return "contact/" + p.ContactID }

func (p *RosterContactAdded) Validate() error {
	switch {
	case p.ContactID == "":
		return &ValidationError{Kind: p.Kind(), Field: "contactId", Reason: "must not be empty"}
	case p.Name == "":
		return &ValidationError{Kind: p.Kind(), Field: "name", Reason: "must not be empty"}
	case p.Title == "":
		return &ValidationError{Kind: p.Kind(), Field: "title", Reason: "must not be empty"}
	}

	return nil
}

// RosterContactUpdated changes roster attributes for a contact. Empty
// fields mean "unchanged".
type RosterContactUpdated struct {
	ContactID string `json:"contactId"`
	Name      string `json:"name,omitempty"`
	Title     string `json:"title,omitempty"`
	Section   string `json:"section,omitempty"`
	ReportsTo string `json:"reportsTo,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

func (p *RosterContactUpdated) Kind() Kind { return KindRosterContactUpdated }

func (p *RosterContactUpdated) EntityKey() string { return "contact/" + p.ContactID }

func (p *RosterContactUpdated) Validate() error {
	if p.ContactID == "" {
		return &ValidationError{Kind: p.Kind(), Field: "contactId", Reason: "must not be empty"}
	}

	if p.Name == "" && p.Title == "" && p.Section == "" && p.ReportsTo == "" && p.Phone == "" && p.Email == "" {
		return &ValidationError{Kind: p.Kind(), Field: "name", Reason: "at least one field must change"}
	}

	return nil
}

// RosterContactRemoved takes a person off the roster.
type RosterContactRemoved struct {
	ContactID string `json:"contactId"`
}

func (p *RosterContactRemoved) Kind() Kind { return KindRosterContactRemoved }

func (p *RosterContactRemoved) EntityKey() string { return "contact/" + p.ContactID }

func (p *RosterContactRemoved) Validate() error {
	if p.ContactID == "" {
		return &ValidationError{Kind: p.Kind(), Field: "contactId", Reason: "must not be empty"}
	}

	return nil
}

// PositionAssigned places a contact into a position, optionally at a
// facility. A person holds at most one active assignment; the resolver's
// single_assignment merge enforces this across devices.
type PositionAssigned struct {
	ContactID  string `json:"contactId"`
	PositionID string `json:"positionId"`
	FacilityID string `json:"facilityId,omitempty"`
}

func (p *PositionAssigned) Kind() Kind { return KindPositionAssigned }

func (p *PositionAssigned) EntityKey() string { return "assignment/" + p.ContactID }

func (p *PositionAssigned) Validate() error {
	switch {
	case p.ContactID == "":
		return &ValidationError{Kind: p.Kind(), Field: "contactId", Reason: "must not be empty"}
	case p.PositionID == "":
		return &ValidationError{Kind: p.Kind(), Field: "positionId", Reason: "must not be empty"}
	}

	return nil
}

// PositionUnassigned releases a contact from a position.
type PositionUnassigned struct {
	ContactID  string `json:"contactId"`
	PositionID string `json:"positionId"`
	Reason     string `json:"reason,omitempty"`
}

func (p *PositionUnassigned) Kind() Kind { return KindPositionUnassigned }

func (p *PositionUnassigned) EntityKey() string { return "assignment/" + p.ContactID }

func (p *PositionUnassigned) Validate() error {
	switch {
	case p.ContactID == "":
		return &ValidationError{Kind: p.Kind(), Field: "contactId", Reason: "must not be empty"}
	case p.PositionID == "":
		return &ValidationError{Kind: p.Kind(), Field: "positionId", Reason: "must not be empty"}
	}

	return nil
}

// MetricIncremented adds a signed delta to a named service counter
// (meals_served, shelter_census, ...). Deltas commute, so any merge order
// yields the same total.
type MetricIncremented struct {
	Metric string `json:"metric"`
	Delta  int64  `json:"delta"`
}

func (p *MetricIncremented) Kind() Kind { return KindMetricIncremented }

func (p *MetricIncremented) EntityKey() string { return "metric/" + p.Metric }

func (p *MetricIncremented) Validate() error {
	switch {
	case p.Metric == "":
		return &ValidationError{Kind: p.Kind(), Field: "metric", Reason: "must not be empty"}
	case p.Delta == 0:
		return &ValidationError{Kind: p.Kind(), Field: "delta", Reason: "must be non-zero"}
	}

	return nil
}

// IAPPublished records publication of an incident action plan period.
// Concurrent publications of the same period are a human decision, never
// auto-resolved.
type IAPPublished struct {
	Period int    `json:"period"`
	Digest string `json:"digest"`
}

func (p *IAPPublished) Kind() Kind { return KindIAPPublished }

func (p *IAPPublished) EntityKey() string { return fmt.Sprintf("iap/%d", p.Period) }

func (p *IAPPublished) Validate() error {
	switch {
	case p.Period <= 0:
		return &ValidationError{Kind: p.Kind(), Field: "period", Reason: "must be positive"}
	case p.Digest == "":
		return &ValidationError{Kind: p.Kind(), Field: "digest", Reason: "must not be empty"}
	}

	return nil
}

// ConflictResolved closes a queued manual conflict, naming the winning and
// losing candidate events. The causality tracker links it to both parents.
type ConflictResolved struct {
	ConflictID    string `json:"conflictId"`
	WinnerEventID string `json:"winnerEventId"`
	LoserEventID  string `json:"loserEventId"`
}

func (p *ConflictResolved) Kind() Kind { return KindConflictResolved }

func (p *ConflictResolved) EntityKey() string { return "conflict/" + p.ConflictID }

func (p *ConflictResolved) Validate() error {
	switch {
	case p.ConflictID == "":
		return &ValidationError{Kind: p.Kind(), Field: "conflictId", Reason: "must not be empty"}
	case p.WinnerEventID == "":
		return &ValidationError{Kind: p.Kind(), Field: "winnerEventId", Reason: "must not be empty"}
	case p.LoserEventID == "":
		return &ValidationError{Kind: p.Kind(), Field: "loserEventId", Reason: "must not be empty"}
	}

	return nil
}

// payloadFactories maps each kind to a constructor for its payload variant.
var payloadFactories = map[Kind]func() Payload{
	KindOperationCreated:     func() Payload { return &OperationCreated{} },
	KindFacilityCreated:      func() Payload { return &FacilityCreated{} },
	KindFacilityUpdated:      func() Payload { return &FacilityUpdated{} },
	KindFacilityClosed:       func() Payload { return &FacilityClosed{} },
	KindFacilityTagAdded:     func() Payload { return &FacilityTagAdded{} },
	KindRosterContactAdded:   func() Payload { return &RosterContactAdded{} },
	KindRosterContactUpdated: func() Payload { return &RosterContactUpdated{} },
	KindRosterContactRemoved: func() Payload { return &RosterContactRemoved{} },
	KindPositionAssigned:     func() Payload { return &PositionAssigned{} },
	KindPositionUnassigned:   func() Payload { return &PositionUnassigned{} },
	KindMetricIncremented:    func() Payload { return &MetricIncremented{} },
	KindIAPPublished:         func() Payload { return &IAPPublished{} },
	KindConflictResolved:     func() Payload { return &ConflictResolved{} },
}

// DecodePayload parses raw JSON into the typed payload variant for kind and
// validates it. Unknown fields are rejected: a typo in a payload must fail
// loudly, not silently drop data.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[kind]
	if !ok {
		return nil, &ValidationError{Kind: kind, Field: "kind", Reason: "unknown event kind"}
	}

	p := factory()

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(p); err != nil {
		return nil, &ValidationError{Kind: kind, Field: "payload", Reason: err.Error()}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}
