// fern runs the product indexer.
//
// Usage:
//
//	fern serve              # HTTP API, product feed consumer and archive scheduler
//	fern archive            # apply every archive policy once
//	fern migrate            # apply database migrations
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fern",
		Short: "Associate seismic products into events",
		Long: `fern indexes earthquake products as they arrive and groups them into events.

Configuration is read from the environment, optionally seeded from a .env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file, ignored when missing")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
