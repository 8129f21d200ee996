package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// --- SQL query constants, grouped by domain ---

const (
	sqlEventColumns = `position, id, operation_id, kind, schema_version,
		actor_id, device_id, session_id,
		timestamp, sequence, payload,
		causation_id, correlation_id,
		hash, previous_hash,
		sync_status, sync_attempts, sync_error`

	sqlInsertEvent = `INSERT INTO events (
		id, operation_id, kind, schema_version,
		actor_id, device_id, session_id,
		timestamp, sequence, payload,
		causation_id, correlation_id,
		hash, previous_hash,
		sync_status, sync_attempts, sync_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlReadRange = `SELECT ` + sqlEventColumns + `
		FROM events WHERE operation_id = ? AND position > ?
		ORDER BY position`

	sqlReadRangeTo = `SELECT ` + sqlEventColumns + `
		FROM events WHERE operation_id = ? AND position > ? AND position <= ?
		ORDER BY position`

	sqlReadTail = `SELECT ` + sqlEventColumns + `
		FROM events WHERE operation_id = ?
		ORDER BY position DESC LIMIT 1`

	sqlHasEvent = `SELECT 1 FROM events WHERE id = ?`

	sqlUpdateSyncStatus = `UPDATE events
		SET sync_status = ?, sync_attempts = ?, sync_error = ?
		WHERE id = ?`

	sqlListByStatus = `SELECT ` + sqlEventColumns + `
		FROM events WHERE operation_id = ? AND sync_status = ?
		ORDER BY position`

	sqlDeviceTail = `SELECT timestamp, sequence
		FROM events WHERE device_id = ?
		ORDER BY timestamp DESC, sequence DESC LIMIT 1`
)

const (
	sqlGetCursor = `SELECT position FROM sync_cursors
		WHERE device_id = ? AND operation_id = ?`

	sqlSaveCursor = `INSERT INTO sync_cursors
		(device_id, operation_id, position, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, operation_id) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at`
)

const (
	sqlConflictColumns = `id, operation_id, kind, entity_key,
		local_event_id, remote_event_id, detected_at,
		resolved, winner_event_id, resolved_at`

	sqlInsertConflict = `INSERT INTO conflict_queue
		(id, operation_id, kind, entity_key, local_event_id, remote_event_id, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlListConflicts = `SELECT ` + sqlConflictColumns + `
		FROM conflict_queue WHERE operation_id = ?
		ORDER BY resolved, detected_at`

	sqlListOpenConflicts = `SELECT ` + sqlConflictColumns + `
		FROM conflict_queue WHERE operation_id = ? AND resolved = 0
		ORDER BY detected_at`

	sqlGetConflict = `SELECT ` + sqlConflictColumns + `
		FROM conflict_queue WHERE id = ?`

	sqlResolveConflict = `UPDATE conflict_queue
		SET resolved = 1, winner_event_id = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`

	sqlCountOpenConflicts = `SELECT COUNT(*) FROM conflict_queue
		WHERE operation_id = ? AND resolved = 0`
)

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one event row and re-decodes its typed payload. A
// payload that no longer validates is still returned with Payload nil so
// chain verification can inspect it; projection will surface the error.
func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		ev      event.Event
		kind    string
		payload string
		status  string
	)

	err := row.Scan(
		&ev.Position, &ev.ID, &ev.OperationID, &kind, &ev.SchemaVersion,
		&ev.ActorID, &ev.DeviceID, &ev.SessionID,
		&ev.Timestamp, &ev.Sequence, &payload,
		&ev.CausationID, &ev.CorrelationID,
		&ev.Hash, &ev.PreviousHash,
		&status, &ev.SyncAttempts, &ev.SyncError,
	)
	if err != nil {
		return nil, err
	}

	ev.Kind = event.Kind(kind)
	ev.RawPayload = json.RawMessage(payload)
	ev.SyncStatus = event.SyncStatus(status)

	if ev.SchemaVersion == event.SchemaVersion(ev.Kind) {
		decoded, derr := event.DecodePayload(ev.Kind, ev.RawPayload)
		if derr == nil {
			ev.Payload = decoded
		}
	}

	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*event.Event, error) {
	var events []*event.Event

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning event row: %w", err)
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating event rows: %w", err)
	}

	return events, nil
}

func scanConflict(row rowScanner) (*resolve.QueuedConflict, error) {
	var (
		qc       resolve.QueuedConflict
		kind     string
		resolved int
	)

	err := row.Scan(
		&qc.ID, &qc.OperationID, &kind, &qc.EntityKey,
		&qc.LocalEventID, &qc.RemoteEventID, &qc.DetectedAt,
		&resolved, &qc.WinnerEventID, &qc.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("state: scanning conflict row: %w", err)
	}

	qc.Kind = event.Kind(kind)
	qc.Resolved = resolved != 0

	return &qc, nil
}
