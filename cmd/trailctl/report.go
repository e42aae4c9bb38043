package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"agenttrail/internal/report"
	"agenttrail/internal/risk"
)

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Compile and print a session security report",
	Args:  cobra.ExactArgs(1),
	RunE:  reportCommand,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func reportCommand(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	compiler := report.NewCompiler(st, risk.NewAggregator(risk.DefaultPolicy()))
	rep, err := compiler.Compile(context.Background(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
