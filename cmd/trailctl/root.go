package main

import (
	"errors"

	"github.com/spf13/cobra"

	"agenttrail/internal/store"
)

var (
	storeDriver string
	storeDSN    string
)

var rootCmd = &cobra.Command{
	Use:   "trailctl",
	Short: "Operator tooling for agenttrail session ledgers",
	Long: `trailctl inspects agenttrail data directly through the storage layer:
verify hash chains, list sessions, compile reports, export chains and
replay risk state from the event log.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDriver, "driver", "sqlite", "Store driver: sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&storeDSN, "dsn", "agenttrail.db", "Store DSN (file path for sqlite, connection string for postgres)")
}

func openStore() (*store.SQLStore, error) {
	switch storeDriver {
	case "sqlite", "postgres":
		return store.OpenSQL(storeDriver, storeDSN)
	default:
		return nil, errors.New("unknown store driver: " + storeDriver)
	}
}

func Execute() error {
	return rootCmd.Execute()
}
