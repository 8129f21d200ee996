package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		remoteDB string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize an operation's log with a remote authority",
		Long: `Pull canonical events from the authority, merge them through conflict
resolution, then push unsynced local events. The authority is a second
opslog database file, typically on shared storage or carried between
devices.

With --watch, keeps running: local changes sync after a debounce window
and the authority is polled on sync.poll_interval for remote changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, remoteDB, watch)
		},
	}

	cmd.Flags().StringVar(&remoteDB, "remote-db", "", "path to the authority database file")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")

	return cmd
}

func runSync(cmd *cobra.Command, remoteDB string, watch bool) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	if remoteDB == "" {
		remoteDB = resolvedCfg.RemoteDB
	}

	if remoteDB == "" {
		return fmt.Errorf("no remote: set --remote-db or sync.remote_db in the config file")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	remote, err := openRemoteAuthority(remoteDB, a.cfg.Policies, a.logger)
	if err != nil {
		return err
	}
	defer remote.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := a.engineFor(ctx, operationID, nil)
	if err != nil {
		return err
	}

	mgr := a.syncManagerFor(eng, remote)

	if watch {
		statusf("watching operation %s, Ctrl-C to stop\n", operationID)

		// Seed one immediate cycle, then debounce on notifications.
		if err := mgr.Cycle(ctx, operationID); err != nil {
			return err
		}

		return mgr.Run(ctx, operationID)
	}

	if err := mgr.Cycle(ctx, operationID); err != nil {
		return err
	}

	stuck, err := mgr.Stuck(ctx, operationID)
	if err != nil {
		return err
	}

	if len(stuck) > 0 {
		statusf("warning: %d events failed permanently; see 'opslog status'\n", len(stuck))
	}

	statusf("sync complete\n")

	return nil
}
