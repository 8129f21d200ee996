package project

import (
	"encoding/json"
	"fmt"

	"github.com/fieldops/opslog/internal/event"
)

// payloadMigration rewrites a payload's raw JSON from one schema version to
// the next. Migrations never touch the stored event (the hash covers the
// original payload), only the shape the projector folds.
type payloadMigration func(raw json.RawMessage) (json.RawMessage, error)

// payloadMigrations maps (kind, fromVersion) to the migration producing
// fromVersion+1. An event older than the projector's expectation with no
// registered migration path is queued, not guessed at.
var payloadMigrations = map[event.Kind]map[int]payloadMigration{
	event.KindFacilityUpdated: {
		1: migrateFacilityUpdatedV1,
	},
}

// facilityUpdatedV1 is the retired shape: an "operational" flag instead of
// the status enumeration.
type facilityUpdatedV1 struct {
	FacilityID  string `json:"facilityId"`
	Name        string `json:"name,omitempty"`
	Address     string `json:"address,omitempty"`
	Operational *bool  `json:"operational,omitempty"`
}

func migrateFacilityUpdatedV1(raw json.RawMessage) (json.RawMessage, error) {
	var old facilityUpdatedV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("project: decoding facility.updated v1: %w", err)
	}

	next := event.FacilityUpdated{
		FacilityID: old.FacilityID,
		Name:       old.Name,
		Address:    old.Address,
	}

	if old.Operational != nil {
		if *old.Operational {
			next.Status = event.FacilityOpen
		} else {
			next.Status = event.FacilityStandby
		}
	}

	migrated, err := json.Marshal(&next)
	if err != nil {
		return nil, fmt.Errorf("project: encoding migrated facility.updated: %w", err)
	}

	return migrated, nil
}

// migratePayload returns the typed payload the projector should fold:
// the event's own payload when its schema version is current, or a
// migrated copy when a registered migration path exists. Returns
// *event.SchemaVersionError when the version cannot be reconciled.
func migratePayload(ev *event.Event) (event.Payload, error) {
	expected := event.SchemaVersion(ev.Kind)

	if ev.SchemaVersion == expected {
		if ev.Payload != nil {
			return ev.Payload, nil
		}

		return event.DecodePayload(ev.Kind, ev.RawPayload)
	}

	if ev.SchemaVersion > expected {
		return nil, &event.SchemaVersionError{Kind: ev.Kind, Got: ev.SchemaVersion, Expected: expected}
	}

	raw := ev.RawPayload

	for version := ev.SchemaVersion; version < expected; version++ {
		migrate, ok := payloadMigrations[ev.Kind][version]
		if !ok {
			return nil, &event.SchemaVersionError{Kind: ev.Kind, Got: ev.SchemaVersion, Expected: expected}
		}

		var err error

		raw, err = migrate(raw)
		if err != nil {
			return nil, err
		}
	}

	return event.DecodePayload(ev.Kind, raw)
}
