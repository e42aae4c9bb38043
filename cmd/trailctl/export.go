package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"agenttrail/internal/export"
	"agenttrail/internal/ledger"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export session data",
}

var exportChainCmd = &cobra.Command{
	Use:   "chain <session-id>",
	Short: "Export a session's hash chain as CSV or JSONL",
	Args:  cobra.ExactArgs(1),
	RunE:  exportChainCommand,
}

var exportGraphCmd = &cobra.Command{
	Use:   "graph <session-id>",
	Short: "Export a session's event graph as canonical JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  exportGraphCommand,
}

func init() {
	exportCmd.PersistentFlags().StringVar(&exportOutput, "output", "", "Output file (default: stdout)")
	exportChainCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Chain format: csv or jsonl")
	exportCmd.AddCommand(exportChainCmd)
	exportCmd.AddCommand(exportGraphCmd)
	rootCmd.AddCommand(exportCmd)
}

func outputWriter() (io.Writer, func() error, error) {
	if exportOutput == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(exportOutput)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func exportChainCommand(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := ledger.New(st).Read(context.Background(), args[0], 0)
	if err != nil {
		return err
	}
	rows := export.RowsFromRecords(recs)

	w, closeOutput, err := outputWriter()
	if err != nil {
		return err
	}
	defer closeOutput()

	switch exportFormat {
	case "jsonl":
		return export.WriteJSONL(w, rows)
	case "csv":
		return export.WriteCSV(w, rows)
	default:
		return errors.New("format must be csv or jsonl")
	}
}

func exportGraphCommand(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := ledger.New(st).Read(context.Background(), sessionID, 0)
	if err != nil {
		return err
	}

	graph := export.BuildSessionGraph(sessionID, recs)
	canonical, err := graph.MarshalCanonical()
	if err != nil {
		return err
	}

	w, closeOutput, err := outputWriter()
	if err != nil {
		return err
	}
	defer closeOutput()

	_, err = fmt.Fprintln(w, string(canonical))
	return err
}
