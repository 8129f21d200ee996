package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fieldops/opslog/internal/project"
)

func newProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project",
		Short: "Rebuild and display an operation's current state",
		Long: `Replay the operation's full verified event log into its materialized
view and print the result. The view digest is stable: two devices holding
the same events print the same digest regardless of arrival order.`,
		RunE: runProject,
	}
}

func runProject(cmd *cobra.Command, _ []string) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := a.projector.Project(cmd.Context(), operationID)
	if err != nil {
		return err
	}

	digest, err := view.Digest()
	if err != nil {
		return err
	}

	if flagJSON {
		out := struct {
			*project.View
			Digest string `json:"digest"`
		}{View: view, Digest: digest}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printViewText(view, digest)

	return nil
}

func printViewText(view *project.View, digest string) {
	if view.Operation != nil {
		fmt.Printf("Operation %s: %s (%s)\n", view.OperationID, view.Operation.Name, view.Operation.Region)
	} else {
		fmt.Printf("Operation %s\n", view.OperationID)
	}

	fmt.Printf("events applied: %d   digest: %s\n\n", view.AppliedCount, shortID(digest))

	if len(view.Facilities) > 0 {
		ids := make([]string, 0, len(view.Facilities))
		for id := range view.Facilities {
			ids = append(ids, id)
		}

		sort.Strings(ids)

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			f := view.Facilities[id]
			rows = append(rows, []string{f.FacilityID, f.Name, f.FacilityType, string(f.Status)})
		}

		fmt.Println("Facilities:")
		printTable(os.Stdout, []string{"ID", "NAME", "TYPE", "STATUS"}, rows)
		fmt.Println()
	}

	if roster := view.ActiveRoster(); len(roster) > 0 {
		rows := make([][]string, len(roster))
		for i, c := range roster {
			assigned := ""
			if asn, ok := view.Assignments[c.ContactID]; ok {
				assigned = asn.PositionID
			}

			rows[i] = []string{c.ContactID, c.Name, c.Title, assigned}
		}

		fmt.Println("Roster:")
		printTable(os.Stdout, []string{"ID", "NAME", "TITLE", "POSITION"}, rows)
		fmt.Println()
	}

	if len(view.Counters) > 0 {
		names := make([]string, 0, len(view.Counters))
		for name := range view.Counters {
			names = append(names, name)
		}

		sort.Strings(names)

		fmt.Println("Service metrics:")

		for _, name := range names {
			fmt.Printf("  %s: %d\n", name, view.Counters[name])
		}
	}
}
