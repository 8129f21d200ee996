package event

// Kind identifies one fact type in the closed enumeration. New fact types
// are added by declaring a new constant and payload variant, never by
// loosening an existing payload shape.
type Kind string

// The full set of event kinds. Every kind must appear in the payload
// registry, the schema version table, and the conflict policy table;
// config loading fails if any of the three disagree.
const (
	KindOperationCreated     Kind = "operation.created"
	KindFacilityCreated      Kind = "facility.created"
	KindFacilityUpdated      Kind = "facility.updated"
	KindFacilityClosed       Kind = "facility.closed"
	KindFacilityTagAdded     Kind = "facility.tag.added"
	KindRosterContactAdded   Kind = "roster.contact.added"
	KindRosterContactUpdated Kind = "roster.contact.updated"
	KindRosterContactRemoved Kind = "roster.contact.removed"
	KindPositionAssigned     Kind = "position.assigned"
	KindPositionUnassigned   Kind = "position.unassigned"
	KindMetricIncremented    Kind = "metrics.incremented"
	KindIAPPublished         Kind = "iap.published"
	KindConflictResolved     Kind = "conflict.resolved"
)

// schemaVersions records the current payload schema version per kind.
// The projector migrates older versions forward before applying.
var schemaVersions = map[Kind]int{
	KindOperationCreated:     1,
	KindFacilityCreated:      1,
	KindFacilityUpdated:      2,
	KindFacilityClosed:       1,
	KindFacilityTagAdded:     1,
	KindRosterContactAdded:   1,
	KindRosterContactUpdated: 1,
	KindRosterContactRemoved: 1,
	KindPositionAssigned:     1,
	KindPositionUnassigned:   1,
	KindMetricIncremented:    1,
	KindIAPPublished:         1,
	KindConflictResolved:     1,
}

// Kinds returns every registered kind in stable (declaration) order.
func Kinds() []Kind {
	return []Kind{
		KindOperationCreated,
		KindFacilityCreated,
		KindFacilityUpdated,
		KindFacilityClosed,
		KindFacilityTagAdded,
		KindRosterContactAdded,
		KindRosterContactUpdated,
		KindRosterContactRemoved,
		KindPositionAssigned,
		KindPositionUnassigned,
		KindMetricIncremented,
		KindIAPPublished,
		KindConflictResolved,
	}
}

// KnownKind reports whether k is part of the closed enumeration.
func KnownKind(k Kind) bool {
	_, ok := schemaVersions[k]
	return ok
}

// SchemaVersion returns the current schema version for a kind, or 0 for an
// unknown kind.
func SchemaVersion(k Kind) int {
	return schemaVersions[k]
}
