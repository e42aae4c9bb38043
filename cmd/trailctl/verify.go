package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agenttrail/internal/ledger"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <session-id>",
	Short: "Recompute a session's hash chain from genesis",
	Args:  cobra.ExactArgs(1),
	RunE:  verifyCommand,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func verifyCommand(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	l := ledger.New(st)
	n, err := l.Length(context.Background(), sessionID)
	if err != nil {
		return err
	}

	if err := l.Verify(context.Background(), sessionID); err != nil {
		var corrupt *ledger.CorruptionError
		if errors.As(err, &corrupt) {
			fmt.Printf("session %s: CORRUPTED at sequence %d\n", sessionID, corrupt.Sequence)
			return err
		}
		return err
	}

	fmt.Printf("session %s: chain valid (%d records)\n", sessionID, n)
	return nil
}
