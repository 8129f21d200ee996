package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newLogCmd() *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List an operation's events in log order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLog(cmd, since)
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "only events after this log position")

	return cmd
}

func runLog(cmd *cobra.Command, since int64) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.chn.ReadRange(cmd.Context(), operationID, since)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	headers := []string{"POS", "ID", "KIND", "ACTOR", "TIME", "STATUS"}
	rows := make([][]string, len(events))

	for i, ev := range events {
		rows[i] = []string{
			fmt.Sprintf("%d", ev.Position),
			shortID(ev.ID),
			string(ev.Kind),
			ev.ActorID,
			formatMillis(ev.Timestamp),
			string(ev.SyncStatus),
		}
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
