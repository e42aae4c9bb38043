package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions with risk state",
	Args:  cobra.NoArgs,
	RunE:  sessionsCommand,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsCommand(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	states, err := st.ListStates(context.Background())
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tSCORE\tLEVEL\tEVENTS\tTHREATS\tPII")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\n",
			s.SessionID, s.Status, s.RiskScore, s.RiskLevel, s.TotalEvents, s.ThreatsDetected, s.PIIExposures)
	}
	return w.Flush()
}
