package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fieldops/opslog/internal/causality"
	"github.com/fieldops/opslog/internal/chain"
	"github.com/fieldops/opslog/internal/config"
	"github.com/fieldops/opslog/internal/engine"
	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/metrics"
	"github.com/fieldops/opslog/internal/project"
	"github.com/fieldops/opslog/internal/resolve"
	"github.com/fieldops/opslog/internal/state"
	"github.com/fieldops/opslog/internal/syncer"
)

// app wires the full local stack for one CLI invocation: the SQLite event
// store, chain verification, the projector, and per-operation engines.
// One session id covers the whole invocation.
type app struct {
	cfg       *config.Resolved
	logger    *slog.Logger
	store     *state.SQLiteStore
	chn       *chain.Store
	projector *project.Projector
	met       *metrics.Metrics
	sessionID string
}

// openApp opens the local database and builds the shared components.
// Callers must Close.
func openApp() (*app, error) {
	logger := buildLogger()

	if err := os.MkdirAll(resolvedCfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	store, err := state.NewStore(resolvedCfg.DBPath, state.Options{
		ConflictQueueBound: resolvedCfg.ConflictQueueBound,
	}, logger)
	if err != nil {
		return nil, err
	}

	chn := chain.NewStore(store, logger)

	return &app{
		cfg:       resolvedCfg,
		logger:    logger,
		store:     store,
		chn:       chn,
		projector: project.NewProjector(chn, logger),
		met:       metrics.New(),
		sessionID: uuid.NewString(),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// engineFor builds the single-writer engine for one operation, restoring
// the device sequencer from the store.
func (a *app) engineFor(ctx context.Context, operationID string, notifier engine.Notifier) (*engine.Engine, error) {
	actor := event.ActorContext{
		ActorID:     a.cfg.ActorID,
		DeviceID:    a.cfg.DeviceID,
		SessionID:   a.sessionID,
		OperationID: operationID,
	}

	return engine.New(ctx, actor, a.chn, a.store, a.projector, notifier, a.met, a.logger)
}

// resolverFor builds the conflict resolver, minting compensations with the
// engine's identity and sequencer.
func (a *app) resolverFor(eng *engine.Engine) *resolve.Resolver {
	return resolve.NewResolver(a.cfg.Policies, eng.Factory(), a.logger)
}

// syncManagerFor assembles the sync manager for one operation against a
// remote authority.
func (a *app) syncManagerFor(eng *engine.Engine, remote syncer.Remote) *syncer.Manager {
	buffer := causality.NewParentBuffer(a.cfg.ParentBufferSize, a.cfg.ParentTimeout, a.logger)

	cfg := syncer.Config{
		DeviceID:     a.cfg.DeviceID,
		MaxAttempts:  a.cfg.MaxAttempts,
		BackoffBase:  a.cfg.BackoffBase,
		BackoffCap:   a.cfg.BackoffCap,
		Debounce:     a.cfg.Debounce,
		PollInterval: a.cfg.PollInterval,
	}

	return syncer.New(a.chn, a.store, remote, a.resolverFor(eng), a.projector, buffer, a.met, cfg, a.logger)
}

// openRemoteAuthority opens a second database file as the canonical
// authority, for syncing two local stores without a network transport.
type remoteAuthority struct {
	*syncer.Authority
	store *state.SQLiteStore
}

func (r *remoteAuthority) Close() error {
	return r.store.Close()
}

func openRemoteAuthority(path string, table *resolve.Table, logger *slog.Logger) (*remoteAuthority, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating remote state directory: %w", err)
	}

	store, err := state.NewStore(path, state.Options{}, logger)
	if err != nil {
		return nil, err
	}

	chn := chain.NewStore(store, logger)

	return &remoteAuthority{
		Authority: syncer.NewAuthority(chn, store, table, logger),
		store:     store,
	}, nil
}
