package project

import (
	"fmt"
	"sort"

	"github.com/fieldops/opslog/internal/event"
)

// applyOne folds one event into the view. Re-applying an already-applied
// event (same ID) is a no-op. LWW and FWW kinds update register-tracked
// entities so application commutes; CRDT kinds fold their combinator
// semantics directly.
func applyOne(view *View, ev *event.Event) error {
	if view.applied[ev.ID] {
		return nil
	}

	migrated, err := migratePayload(ev)
	if err != nil {
		return err
	}

	lww := writeKey{Timestamp: ev.Timestamp, ActorID: ev.ActorID, EventID: ev.ID}
	fww := firstKey{Timestamp: ev.Timestamp, Sequence: ev.Sequence, DeviceID: ev.DeviceID, EventID: ev.ID}

	switch payload := migrated.(type) {
	case *event.OperationCreated:
		applyOperationCreated(view, ev, payload, fww)
	case *event.FacilityCreated:
		applyFacilityCreated(view, ev, payload, fww)
	case *event.FacilityUpdated:
		applyFacilityUpdated(view, ev, payload, lww)
	case *event.FacilityClosed:
		applyFacilityClosed(view, ev, payload, lww)
	case *event.FacilityTagAdded:
		applyFacilityTagAdded(view, payload)
	case *event.RosterContactAdded:
		applyRosterContactAdded(view, ev, payload, lww)
	case *event.RosterContactUpdated:
		applyRosterContactUpdated(view, ev, payload, lww)
	case *event.RosterContactRemoved:
		applyRosterContactRemoved(view, ev, payload, lww)
	case *event.PositionAssigned:
		applyPositionAssigned(view, ev, payload, lww)
	case *event.PositionUnassigned:
		applyPositionUnassigned(view, ev, payload, lww)
	case *event.MetricIncremented:
		view.Counters[payload.Metric] += payload.Delta
	case *event.IAPPublished:
		applyIAPPublished(view, ev, payload, fww)
	case *event.ConflictResolved:
		// Resolution bookkeeping lives in the conflict queue; the view has
		// nothing to fold.
	default:
		return fmt.Errorf("project: no apply rule for payload %T (kind %s)", migrated, ev.Kind)
	}

	view.applied[ev.ID] = true
	view.AppliedCount++
	view.LastEventID = ev.ID

	return nil
}

// claimLWW records ev as the entity's last writer if it beats the current
// holder. Returns false when a newer write already holds the register, in
// which case the event's effect is discarded.
func claimLWW(view *View, entity string, key writeKey) bool {
	current, ok := view.lastWrites[entity]
	if ok && !key.beats(current) {
		return false
	}

	view.lastWrites[entity] = key

	return true
}

// claimFWW records ev as the entity's first writer if it precedes the
// current holder. Returns false when an earlier write already holds the
// register.
func claimFWW(view *View, entity string, key firstKey) bool {
	current, ok := view.firstWins[entity]
	if ok && !key.before(current) {
		return false
	}

	view.firstWins[entity] = key

	return true
}

func applyOperationCreated(view *View, ev *event.Event, p *event.OperationCreated, key firstKey) {
	if !claimFWW(view, "operation", key) {
		return
	}

	view.Operation = &OperationInfo{
		Name:      p.Name,
		Region:    p.Region,
		CreatedBy: ev.ActorID,
		CreatedAt: ev.Timestamp,
	}
}

func applyFacilityCreated(view *View, ev *event.Event, p *event.FacilityCreated, key firstKey) {
	if !claimFWW(view, ev.EntityKey(), key) {
		return
	}

	existing := view.Facilities[p.FacilityID]

	facility := &Facility{
		FacilityID:   p.FacilityID,
		Name:         p.Name,
		FacilityType: p.FacilityType,
		Address:      p.Address,
		Status:       event.FacilityOpen,
	}

	// A later LWW update or close may already have applied; creation must
	// not roll those back.
	if existing != nil {
		facility.Status = existing.Status
		facility.ClosedReason = existing.ClosedReason
		facility.Tags = existing.Tags

		if _, updated := view.lastWrites[ev.EntityKey()]; updated {
			facility.Name = existing.Name
			facility.Address = existing.Address
		}
	}

	view.Facilities[p.FacilityID] = facility
}

func applyFacilityUpdated(view *View, ev *event.Event, p *event.FacilityUpdated, key writeKey) {
	if !claimLWW(view, ev.EntityKey(), key) {
		return
	}

	facility := view.Facilities[p.FacilityID]
	if facility == nil {
		// Update arrived before creation folded (FWW register will fill
		// identity later); materialize a shell to carry the update.
		facility = &Facility{FacilityID: p.FacilityID, Status: event.FacilityOpen}
		view.Facilities[p.FacilityID] = facility
	}

	next := *facility

	if p.Name != "" {
		next.Name = p.Name
	}

	if p.Address != "" {
		next.Address = p.Address
	}

	if p.Status != "" {
		next.Status = p.Status
	}

	view.Facilities[p.FacilityID] = &next
}

func applyFacilityClosed(view *View, ev *event.Event, p *event.FacilityClosed, key writeKey) {
	if !claimLWW(view, ev.EntityKey(), key) {
		return
	}

	facility := view.Facilities[p.FacilityID]
	if facility == nil {
		facility = &Facility{FacilityID: p.FacilityID}
		view.Facilities[p.FacilityID] = facility
	}

	next := *facility
	next.Status = event.FacilityClosedS
	next.ClosedReason = p.Reason
	view.Facilities[p.FacilityID] = &next
}

func applyFacilityTagAdded(view *View, p *event.FacilityTagAdded) {
	facility := view.Facilities[p.FacilityID]
	if facility == nil {
		facility = &Facility{FacilityID: p.FacilityID, Status: event.FacilityOpen}
		view.Facilities[p.FacilityID] = facility
	}

	for _, tag := range facility.Tags {
		if tag == p.Tag {
			return
		}
	}

	next := *facility
	next.Tags = append(append([]string(nil), facility.Tags...), p.Tag)
	sort.Strings(next.Tags)
	view.Facilities[p.FacilityID] = &next
}

func applyRosterContactAdded(view *View, ev *event.Event, p *event.RosterContactAdded, key writeKey) {
	if !claimLWW(view, ev.EntityKey(), key) {
		return
	}

	view.Roster[p.ContactID] = &Contact{
		ContactID: p.ContactID,
		Name:      p.Name,
		Title:     p.Title,
		Section:   p.Section,
		ReportsTo: p.ReportsTo,
		Phone:     p.Phone,
		Email:     p.Email,
	}
}

func applyRosterContactUpdated(view *View, ev *event.Event, p *event.RosterContactUpdated, key writeKey) {
	if !claimLWW(view, ev.EntityKey(), key) {
		return
	}

	contact := view.Roster[p.ContactID]
	if contact == nil {
		contact = &Contact{ContactID: p.ContactID}
		view.Roster[p.ContactID] = contact
	}

	next := *contact

	if p.Name != "" {
		next.Name = p.Name
	}

	if p.Title != "" {
		next.Title = p.Title
	}

	if p.Section != "" {
		next.Section = p.Section
	}

	if p.ReportsTo != "" {
		next.ReportsTo = p.ReportsTo
	}

	if p.Phone != "" {
		next.Phone = p.Phone
	}

	if p.Email != "" {
		next.Email = p.Email
	}

	view.Roster[p.ContactID] = &next
}

func applyRosterContactRemoved(view *View, ev *event.Event, p *event.RosterContactRemoved, key writeKey) {
	if !claimLWW(view, ev.EntityKey(), key) {
		return
	}

	contact := view.Roster[p.ContactID]
	if contact == nil {
		contact = &Contact{ContactID: p.ContactID}
	}

	next := *contact
	next.Removed = true
	view.Roster[p.ContactID] = &next
}

func applyPositionAssigned(view *View, ev *event.Event, p *event.PositionAssigned, key writeKey) {
	if claimLWW(view, ev.EntityKey(), key) {
		view.bestAssign[p.ContactID] = &Assignment{
			ContactID:  p.ContactID,
			PositionID: p.PositionID,
			FacilityID: p.FacilityID,
			AssignedAt: ev.Timestamp,
			EventID:    ev.ID,
		}
	}

	refreshAssignment(view, p.ContactID)
}

func applyPositionUnassigned(view *View, ev *event.Event, p *event.PositionUnassigned, key writeKey) {
	// An un-assignment cancels the exact assignment it descends from
	// (compensations and engine-built releases carry it as causationId).
	// Without a causation link it raises a blind-cancel register for the
	// (contact, position) pair; the outcome then depends only on how the
	// register compares against the winning assignment, not on the order
	// the two events were folded in.
	if ev.CausationID != "" {
		view.cancelled[ev.CausationID] = true
	} else {
		ck := p.ContactID + "/" + p.PositionID
		if cur, ok := view.blindCancels[ck]; !ok || key.beats(cur) {
			view.blindCancels[ck] = key
		}
	}

	refreshAssignment(view, p.ContactID)
}

// refreshAssignment recomputes the contact's projected active assignment
// from the register winner, the cancellation set, and the blind-cancel
// registers.
func refreshAssignment(view *View, contactID string) {
	best := view.bestAssign[contactID]
	if best == nil || view.cancelled[best.EventID] {
		delete(view.Assignments, contactID)
		return
	}

	if bc, ok := view.blindCancels[contactID+"/"+best.PositionID]; ok && bc.beats(view.lastWrites["assignment/"+contactID]) {
		delete(view.Assignments, contactID)
		return
	}

	copyOf := *best
	view.Assignments[contactID] = &copyOf
}

func applyIAPPublished(view *View, ev *event.Event, p *event.IAPPublished, key firstKey) {
	if !claimFWW(view, ev.EntityKey(), key) {
		return
	}

	view.IAPs[p.Period] = &IAPRecord{
		Period:      p.Period,
		Digest:      p.Digest,
		PublishedBy: ev.ActorID,
		PublishedAt: ev.Timestamp,
	}
}
