package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldops/opslog/internal/event"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show an operation's log and sync health",
		RunE:  runStatus,
	}
}

// operationStatus is the JSON-serializable status summary.
type operationStatus struct {
	OperationID   string         `json:"operationId"`
	Events        int            `json:"events"`
	TailDigest    string         `json:"tailDigest"`
	ByStatus      map[string]int `json:"byStatus"`
	StuckEvents   []string       `json:"stuckEvents,omitempty"`
	OpenConflicts int            `json:"openConflicts"`
	Halted        string         `json:"halted,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	st := operationStatus{
		OperationID: operationID,
		ByStatus:    make(map[string]int),
	}

	events, err := a.chn.ReadRange(ctx, operationID, 0)
	if err != nil {
		return err
	}

	st.Events = len(events)

	for _, ev := range events {
		st.ByStatus[string(ev.SyncStatus)]++

		if ev.SyncStatus == event.SyncFailed && ev.SyncAttempts >= a.cfg.MaxAttempts {
			st.StuckEvents = append(st.StuckEvents, ev.ID)
		}
	}

	tail, err := a.chn.Tail(ctx, operationID)
	if err != nil {
		return err
	}

	st.TailDigest = tail

	st.OpenConflicts, err = a.store.OpenConflictCount(ctx, operationID)
	if err != nil {
		return err
	}

	if ierr := a.chn.Halted(operationID); ierr != nil {
		st.Halted = ierr.Error()
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(st)
	}

	printStatusText(&st)

	return nil
}

func printStatusText(st *operationStatus) {
	fmt.Printf("Operation %s\n", st.OperationID)
	fmt.Printf("  events:         %d\n", st.Events)
	fmt.Printf("  chain tail:     %s\n", shortID(st.TailDigest))

	for _, status := range []string{"local", "pending", "synced", "failed"} {
		if n := st.ByStatus[status]; n > 0 {
			fmt.Printf("  %-15s %d\n", status+":", n)
		}
	}

	if st.OpenConflicts > 0 {
		fmt.Printf("  open conflicts: %d  (run 'opslog conflicts list')\n", st.OpenConflicts)
	}

	if len(st.StuckEvents) > 0 {
		fmt.Printf("  stuck events:   %d  (retry budget exhausted)\n", len(st.StuckEvents))

		for _, id := range st.StuckEvents {
			fmt.Printf("    %s\n", id)
		}
	}

	if st.Halted != "" {
		fmt.Printf("  HALTED: %s\n", st.Halted)
	}
}
