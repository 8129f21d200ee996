package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Manage manual conflicts",
	}

	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting resolution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConflictsList(cmd, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")

	return cmd
}

func runConflictsList(cmd *cobra.Command, all bool) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	conflicts, err := a.store.ListConflicts(cmd.Context(), operationID, !all)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	headers := []string{"ID", "KIND", "ENTITY", "LOCAL", "REMOTE", "DETECTED", "STATE"}
	rows := make([][]string, len(conflicts))

	for i, qc := range conflicts {
		state := "open"
		if qc.Resolved {
			state = "resolved"
		}

		rows[i] = []string{
			shortID(qc.ID),
			string(qc.Kind),
			qc.EntityKey,
			shortID(qc.LocalEventID),
			shortID(qc.RemoteEventID),
			formatMillis(qc.DetectedAt),
			state,
		}
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

func newConflictsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <winner-event-id>",
		Short: "Resolve a queued conflict by choosing the winning event",
		Long: `Record a conflict.resolved event naming the winner. The resolution
syncs to every replica like any other event; each one applies the winner
and closes its own queue entry. Short ID prefixes are accepted.`,
		Args: cobra.ExactArgs(2),
		RunE: runConflictsResolve,
	}
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()

	conflictID, winnerEventID, err := expandConflictArgs(cmd, a, operationID, args[0], args[1])
	if err != nil {
		return err
	}

	eng, err := a.engineFor(ctx, operationID, nil)
	if err != nil {
		return err
	}

	ev, err := eng.ResolveConflict(ctx, conflictID, winnerEventID)
	if err != nil {
		return err
	}

	statusf("conflict %s resolved; recorded as event %s\n", shortID(conflictID), shortID(ev.ID))

	return nil
}

// expandConflictArgs resolves short ID prefixes against the open conflict
// queue so operators can type the IDs the list command shows.
func expandConflictArgs(cmd *cobra.Command, a *app, operationID, conflictArg, winnerArg string) (string, string, error) {
	conflicts, err := a.store.ListConflicts(cmd.Context(), operationID, true)
	if err != nil {
		return "", "", err
	}

	for _, qc := range conflicts {
		if !matchesPrefix(qc.ID, conflictArg) {
			continue
		}

		switch {
		case matchesPrefix(qc.LocalEventID, winnerArg):
			return qc.ID, qc.LocalEventID, nil
		case matchesPrefix(qc.RemoteEventID, winnerArg):
			return qc.ID, qc.RemoteEventID, nil
		default:
			return "", "", fmt.Errorf("%q matches neither candidate of conflict %s", winnerArg, shortID(qc.ID))
		}
	}

	return "", "", fmt.Errorf("no open conflict matches %q", conflictArg)
}

func matchesPrefix(full, prefix string) bool {
	return prefix != "" && len(prefix) <= len(full) && full[:len(prefix)] == prefix
}
