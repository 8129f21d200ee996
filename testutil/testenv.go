// Package testutil provides shared fixtures for end-to-end tests: full
// device stacks backed by on-disk databases, a file-based authority, and
// config file rendering. Everything runs against real SQLite files so the
// tests exercise the same persistence path as the CLI.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/engine"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/metrics"
	"github.com/fieldops/opslog/internal/project"
	"github.com/fieldops/opslog/internal/resolve"
	"github.com/fieldops/opslog/internal/state"
	"github.com/fieldops/opslog/internal/syncer"
)

// Logger returns a quiet logger unless OPSLOG_TEST_VERBOSE is set, in
// which case debug output goes to stderr for troubleshooting failed runs.
func Logger() *slog.Logger {
	if os.Getenv("OPSLOG_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Authority is a file-backed canonical store, the same construction the
// sync command uses for --remote-db.
type Authority struct {
	*syncer.Authority

	Store *state.SQLiteStore
	Chain *chain.Store
}

// OpenAuthority opens (or creates) an authority database at path with the
// default policy table.
func OpenAuthority(path string, logger *slog.Logger) (*Authority, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating authority directory: %w", err)
	}

	table, err := resolve.NewTable(resolve.DefaultPolicies())
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(path, state.Options{}, logger)
	if err != nil {
		return nil, err
	}

	chn := chain.NewStore(store, logger)

	return &Authority{
		Authority: syncer.NewAuthority(chn, store, table, logger),
		Store:     store,
		Chain:     chn,
	}, nil
}

// Close releases the underlying database.
func (a *Authority) Close() error {
	return a.Store.Close()
}

// Device is one replica's full stack: an on-disk store, the hash chain,
// the projector, a single-writer engine, and a sync manager wired to a
// remote.
type Device struct {
	ActorID     string
	DeviceID    string
	OperationID string

	Store     *state.SQLiteStore
	Chain     *chain.Store
	Projector *project.Projector
	Engine    *engine.Engine
	Manager   *syncer.Manager
}

// OpenDevice builds a device replica rooted at dir. The same dir can be
// reopened to simulate a process restart. remote may be nil when the test
// never syncs.
func OpenDevice(ctx context.Context, dir, actorID, deviceID, operationID string, remote syncer.Remote, logger *slog.Logger) (*Device, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating device directory: %w", err)
	}

	store, err := state.NewStore(filepath.Join(dir, "opslog.db"), state.Options{}, logger)
	if err != nil {
		return nil, err
	}

	chn := chain.NewStore(store, logger)
	projector := project.NewProjector(chn, logger)
	met := metrics.NewWithRegistry(prometheus.NewRegistry())

	actor := event.ActorContext{
		ActorID:     actorID,
		DeviceID:    deviceID,
		SessionID:   uuid.NewString(),
		OperationID: operationID,
	}

	eng, err := engine.New(ctx, actor, chn, store, projector, nil, met, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	table, err := resolve.NewTable(resolve.DefaultPolicies())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dev := &Device{
		ActorID:     actorID,
		DeviceID:    deviceID,
		OperationID: operationID,
		Store:       store,
		Chain:       chn,
		Projector:   projector,
		Engine:      eng,
	}

	if remote != nil {
		resolver := resolve.NewResolver(table, eng.Factory(), logger)
		buffer := causality.NewParentBuffer(64, time.Minute, logger)

		dev.Manager = syncer.New(chn, store, remote, resolver, projector, buffer, met, syncer.Config{
			DeviceID:    deviceID,
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
			Debounce:    10 * time.Millisecond,
		}, logger)
	}

	return dev, nil
}

// Close releases the device's database.
func (d *Device) Close() error {
	return d.Store.Close()
}

// WriteConfig renders a minimal TOML config file into dir and returns its
// path, for tests that exercise the config resolution chain.
func WriteConfig(dir, actorID, deviceID, stateDir, remoteDB string) (string, error) {
	content := fmt.Sprintf(`[identity]
actor_id = %q
device_id = %q

[storage]
state_dir = %q

[sync]
remote_db = %q
debounce = "10ms"
backoff_base = "1ms"
backoff_cap = "5ms"
`, actorID, deviceID, stateDir, remoteDB)

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}

	return path, nil
}
