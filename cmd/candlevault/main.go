package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "v1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "candlevault",
		Short:   "OHLCV market-data warehouse",
		Version: version,
		Long: `candlevault ingests OHLCV candles from upstream market-data providers,
validates and scores them, persists them to Postgres, computes quant
feature columns, and serves the results over HTTP.

Configuration comes from the environment; see the README for the full
variable list. UPSTREAM_API_KEY and DATABASE_URL are required.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newAPIKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
