package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agenttrail/internal/risk"
	"agenttrail/internal/store"
)

var replayWrite bool

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Rebuild risk state from the event log and diff it against the stored state",
	Args:  cobra.ExactArgs(1),
	RunE:  replayCommand,
}

func init() {
	replayCmd.Flags().BoolVar(&replayWrite, "write", false, "Persist the rebuilt state, replacing the stored one")
	rootCmd.AddCommand(replayCmd)
}

func replayCommand(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	ctx := context.Background()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.Records(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("session %s has no records", sessionID)
	}

	agg := risk.NewAggregator(risk.DefaultPolicy())
	replayed, err := agg.Replay(sessionID, recs)
	if err != nil {
		return err
	}

	stored, err := st.GetState(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	// A terminal status is an operator or policy decision, not a pure
	// function of the records; it survives the replay.
	if stored != nil && stored.Status.Terminal() {
		replayed.Status = stored.Status
	}

	fmt.Printf("replayed %d records\n", len(recs))
	fmt.Printf("  score=%d level=%s status=%s threats=%d pii=%d\n",
		replayed.RiskScore, replayed.RiskLevel, replayed.Status, replayed.ThreatsDetected, replayed.PIIExposures)

	if stored == nil {
		fmt.Println("  no stored state to compare")
	} else if stored.RiskScore != replayed.RiskScore || stored.LastEventSequence != replayed.LastEventSequence {
		fmt.Printf("  DRIFT: stored score=%d seq=%d, replayed score=%d seq=%d\n",
			stored.RiskScore, stored.LastEventSequence, replayed.RiskScore, replayed.LastEventSequence)
	} else {
		fmt.Println("  stored state matches replay")
	}

	if replayWrite {
		if err := st.SaveState(ctx, replayed); err != nil {
			return err
		}
		fmt.Println("  rebuilt state persisted")
	}
	return nil
}
