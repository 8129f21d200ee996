// Package state persists the engine's durable data in an embedded SQLite
// database with WAL mode: the append-only event log, per-device sync
// cursors, and the manual-conflict queue. It implements the minimal
// persistence boundary the chain store builds on plus the sync manager's
// bookkeeping operations. The engine itself is storage-agnostic; swapping
// this package for another backend only requires the same append/read
// contract.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// ErrConflictQueueFull is returned when the manual-conflict queue has
// reached its configured bound. The operator must resolve conflicts before
// new ones can be recorded.
var ErrConflictQueueFull = errors.New("state: conflict queue full")

// SQLiteStore is the SQLite-backed persistence adapter.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// conflictBound caps open rows in the conflict queue.
	conflictBound int

	// Prepared statements for repeated queries, grouped by domain.
	eventStmts    eventStatements
	cursorStmts   cursorStatements
	conflictStmts conflictStatements
}

type eventStatements struct {
	insert, readRange, readRangeTo, readTail, has, updateSync, listByStatus, deviceTail *sql.Stmt
}

type cursorStatements struct {
	get, save *sql.Stmt
}

type conflictStatements struct {
	insert, list, listOpen, resolve, countOpen, get *sql.Stmt
}

// Options tunes store behavior.
type Options struct {
	// ConflictQueueBound caps the number of open manual conflicts.
	// Zero means DefaultConflictQueueBound.
	ConflictQueueBound int
}

// DefaultConflictQueueBound is the conflict queue cap used when Options
// does not set one.
const DefaultConflictQueueBound = 512

// NewStore opens (or creates) the database at dbPath, applies migrations,
// and prepares all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, opts Options, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening operation log database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: opening sqlite: %w", err)
	}

	// Single writer: the engine serializes appends, and SQLite handles one
	// writer best in WAL mode anyway.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	bound := opts.ConflictQueueBound
	if bound <= 0 {
		bound = DefaultConflictQueueBound
	}

	s := &SQLiteStore{db: db, logger: logger, conflictBound: bound}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: preparing statements: %w", err)
	}

	logger.Info("operation log database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("state: setting pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	prepare := func(dst **sql.Stmt, query string) error {
		if *dst != nil {
			return nil
		}

		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", query[:40], err)
		}

		*dst = stmt

		return nil
	}

	steps := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.eventStmts.insert, sqlInsertEvent},
		{&s.eventStmts.readRange, sqlReadRange},
		{&s.eventStmts.readRangeTo, sqlReadRangeTo},
		{&s.eventStmts.readTail, sqlReadTail},
		{&s.eventStmts.has, sqlHasEvent},
		{&s.eventStmts.updateSync, sqlUpdateSyncStatus},
		{&s.eventStmts.listByStatus, sqlListByStatus},
		{&s.eventStmts.deviceTail, sqlDeviceTail},
		{&s.cursorStmts.get, sqlGetCursor},
		{&s.cursorStmts.save, sqlSaveCursor},
		{&s.conflictStmts.insert, sqlInsertConflict},
		{&s.conflictStmts.list, sqlListConflicts},
		{&s.conflictStmts.listOpen, sqlListOpenConflicts},
		{&s.conflictStmts.resolve, sqlResolveConflict},
		{&s.conflictStmts.countOpen, sqlCountOpenConflicts},
		{&s.conflictStmts.get, sqlGetConflict},
	}

	for _, step := range steps {
		if err := prepare(step.dst, step.query); err != nil {
			return err
		}
	}

	return nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.eventStmts.insert, s.eventStmts.readRange, s.eventStmts.readRangeTo,
		s.eventStmts.readTail, s.eventStmts.has, s.eventStmts.updateSync,
		s.eventStmts.listByStatus, s.eventStmts.deviceTail,
		s.cursorStmts.get, s.cursorStmts.save,
		s.conflictStmts.insert, s.conflictStmts.list, s.conflictStmts.listOpen,
		s.conflictStmts.resolve, s.conflictStmts.countOpen, s.conflictStmts.get,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("state: closing database: %w", err)
	}

	return nil
}

// --- chain.Persistence ---

// AppendRaw stores the event and assigns its Position from the insert
// rowid. It enforces nothing about chain linkage.
func (s *SQLiteStore) AppendRaw(ctx context.Context, ev *event.Event) error {
	res, err := s.eventStmts.insert.ExecContext(ctx,
		ev.ID, ev.OperationID, string(ev.Kind), ev.SchemaVersion,
		ev.ActorID, ev.DeviceID, ev.SessionID,
		ev.Timestamp, ev.Sequence, string(ev.RawPayload),
		ev.CausationID, ev.CorrelationID,
		ev.Hash, ev.PreviousHash,
		string(ev.SyncStatus), ev.SyncAttempts, ev.SyncError,
	)
	if err != nil {
		return fmt.Errorf("state: inserting event %s: %w", ev.ID, err)
	}

	position, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("state: reading position of %s: %w", ev.ID, err)
	}

	ev.Position = position

	return nil
}

// ReadRange returns the operation's events with position > from in
// position order; to bounds the result inclusively when positive.
func (s *SQLiteStore) ReadRange(ctx context.Context, operationID string, from, to int64) ([]*event.Event, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if to > 0 {
		rows, err = s.eventStmts.readRangeTo.QueryContext(ctx, operationID, from, to)
	} else {
		rows, err = s.eventStmts.readRange.QueryContext(ctx, operationID, from)
	}

	if err != nil {
		return nil, fmt.Errorf("state: querying range %s (%d, %d]: %w", operationID, from, to, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadTail returns the newest event in the operation's stream, or nil for
// an empty stream.
func (s *SQLiteStore) ReadTail(ctx context.Context, operationID string) (*event.Event, error) {
	row := s.eventStmts.readTail.QueryRowContext(ctx, operationID)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("state: reading tail of %s: %w", operationID, err)
	}

	return ev, nil
}

// HasEvent reports whether an event with the given ID exists.
func (s *SQLiteStore) HasEvent(ctx context.Context, id string) (bool, error) {
	var one int

	err := s.eventStmts.has.QueryRowContext(ctx, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("state: checking event %s: %w", id, err)
	}

	return true, nil
}

// --- sync manager bookkeeping ---

// UpdateSyncStatus records the sync state machine's transition for one
// event. These three columns are the only mutable event fields.
func (s *SQLiteStore) UpdateSyncStatus(ctx context.Context, id string, status event.SyncStatus, attempts int, syncErr string) error {
	res, err := s.eventStmts.updateSync.ExecContext(ctx, string(status), attempts, syncErr, id)
	if err != nil {
		return fmt.Errorf("state: updating sync status of %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("state: updating sync status: event %s not found", id)
	}

	return nil
}

// ListByStatus returns the operation's events in a given sync status, in
// position order.
func (s *SQLiteStore) ListByStatus(ctx context.Context, operationID string, status event.SyncStatus) ([]*event.Event, error) {
	rows, err := s.eventStmts.listByStatus.QueryContext(ctx, operationID, string(status))
	if err != nil {
		return nil, fmt.Errorf("state: listing %s events in %s: %w", status, operationID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeviceTail returns the newest (timestamp, sequence) pair recorded for a
// device, used to restore the sequencer after restart. Both zero when the
// device has no events.
func (s *SQLiteStore) DeviceTail(ctx context.Context, deviceID string) (int64, int64, error) {
	var ts, seq int64

	err := s.eventStmts.deviceTail.QueryRowContext(ctx, deviceID).Scan(&ts, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}

	if err != nil {
		return 0, 0, fmt.Errorf("state: reading device tail of %s: %w", deviceID, err)
	}

	return ts, seq, nil
}

// GetCursor returns the pull watermark for (deviceID, operationID), zero
// when no pull has completed yet.
func (s *SQLiteStore) GetCursor(ctx context.Context, deviceID, operationID string) (int64, error) {
	var position int64

	err := s.cursorStmts.get.QueryRowContext(ctx, deviceID, operationID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("state: reading cursor %s/%s: %w", deviceID, operationID, err)
	}

	return position, nil
}

// SaveCursor advances the pull watermark. Call only after a pulled batch
// has been fully merged; a partially merged batch must leave the cursor
// untouched.
func (s *SQLiteStore) SaveCursor(ctx context.Context, deviceID, operationID string, position int64) error {
	if _, err := s.cursorStmts.save.ExecContext(ctx, deviceID, operationID, position, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("state: saving cursor %s/%s: %w", deviceID, operationID, err)
	}

	return nil
}

// EnqueueConflict records a manual conflict. The queue is bounded; at
// capacity the caller gets ErrConflictQueueFull instead of a silent drop.
func (s *SQLiteStore) EnqueueConflict(ctx context.Context, qc *resolve.QueuedConflict) error {
	open, err := s.OpenConflictCount(ctx, qc.OperationID)
	if err != nil {
		return err
	}

	if open >= s.conflictBound {
		return fmt.Errorf("%w: %d open conflicts in %s", ErrConflictQueueFull, open, qc.OperationID)
	}

	_, err = s.conflictStmts.insert.ExecContext(ctx,
		qc.ID, qc.OperationID, string(qc.Kind), qc.EntityKey,
		qc.LocalEventID, qc.RemoteEventID, qc.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("state: enqueueing conflict %s: %w", qc.ID, err)
	}

	return nil
}

// ListConflicts returns the operation's conflicts, open ones first within
// detection order. openOnly restricts to unresolved entries.
func (s *SQLiteStore) ListConflicts(ctx context.Context, operationID string, openOnly bool) ([]*resolve.QueuedConflict, error) {
	stmt := s.conflictStmts.list
	if openOnly {
		stmt = s.conflictStmts.listOpen
	}

	rows, err := stmt.QueryContext(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("state: listing conflicts in %s: %w", operationID, err)
	}
	defer rows.Close()

	var conflicts []*resolve.QueuedConflict

	for rows.Next() {
		qc, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}

		conflicts = append(conflicts, qc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// GetConflict returns one queued conflict by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*resolve.QueuedConflict, error) {
	rows, err := s.conflictStmts.get.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("state: reading conflict %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("state: reading conflict %s: %w", id, err)
		}

		return nil, fmt.Errorf("state: conflict %s not found", id)
	}

	return scanConflict(rows)
}

// MarkConflictResolved closes a queued conflict with the chosen winner.
func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id, winnerEventID string) error {
	res, err := s.conflictStmts.resolve.ExecContext(ctx, winnerEventID, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("state: resolving conflict %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("state: resolving conflict: %s not found or already resolved", id)
	}

	return nil
}

// OpenConflictCount returns the number of unresolved conflicts in an
// operation.
func (s *SQLiteStore) OpenConflictCount(ctx context.Context, operationID string) (int, error) {
	var count int

	if err := s.conflictStmts.countOpen.QueryRowContext(ctx, operationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("state: counting open conflicts in %s: %w", operationID, err)
	}

	return count, nil
}
