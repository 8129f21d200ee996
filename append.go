package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldops/opslog/internal/event"
)

func newAppendCmd() *cobra.Command {
	var causedBy string

	cmd := &cobra.Command{
		Use:   "append <kind> [payload-json]",
		Short: "Record a new event in an operation's log",
		Long: `Validate a payload against its event kind and append it to the local
hash-chained log. The payload is read from the second argument, or from
stdin when omitted.

Examples:
  opslog -o dr-2206 append facility.created '{"facilityId":"shelter-1","name":"Shelter 1","facilityType":"shelter"}'
  opslog -o dr-2206 append metrics.incremented '{"metric":"meals_served","delta":150}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, args, causedBy)
		},
	}

	cmd.Flags().StringVar(&causedBy, "caused-by", "", "event id this event causally follows")

	return cmd
}

func runAppend(cmd *cobra.Command, args []string, causedBy string) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	kind := event.Kind(args[0])
	if !event.KnownKind(kind) {
		return fmt.Errorf("unknown event kind %q", args[0])
	}

	raw, err := readPayloadArg(args)
	if err != nil {
		return err
	}

	payload, err := event.DecodePayload(kind, raw)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()

	eng, err := a.engineFor(ctx, operationID, nil)
	if err != nil {
		return err
	}

	var ev *event.Event
	if causedBy != "" {
		ev, err = eng.AppendCaused(ctx, kind, payload, causedBy)
	} else {
		ev, err = eng.Append(ctx, kind, payload)
	}

	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(ev)
	}

	statusf("appended %s at position %d (hash %s)\n", ev.ID, ev.Position, shortID(ev.Hash))

	return nil
}

// readPayloadArg returns the payload JSON from the command line or stdin.
func readPayloadArg(args []string) (json.RawMessage, error) {
	if len(args) == 2 {
		return json.RawMessage(args[1]), nil
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading payload from stdin: %w", err)
	}

	return raw, nil
}
