package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/opslog/internal/chain"
)

// errVerifyFailed signals a chain integrity failure; main() maps it to a
// non-zero exit without the generic error prefix.
var errVerifyFailed = errors.New("verification failed")

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify an operation's hash chain end to end",
		Long: `Walk the operation's event log from its genesis link and recompute
every content hash and previous-hash link. Any mismatch is reported with
the exact position where the chain breaks.`,
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, _ []string) error {
	operationID, err := requireOperation()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.chn.VerifyChain(cmd.Context(), operationID); err != nil {
		var ierr *chain.IntegrityError
		if errors.As(err, &ierr) {
			fmt.Printf("FAIL: %v\n", ierr)
			return errVerifyFailed
		}

		return err
	}

	statusf("chain verified: operation %s is intact\n", operationID)

	return nil
}
