package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
)

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Apply every archive policy once",
		Long: `Runs each policy in ARCHIVE_POLICY_FILE against the index and prints how many
events and products each one removed.`,
		Args: cobra.NoArgs,
		RunE: runArchive,
	}
}

func runArchive(cmd *cobra.Command, _ []string) error {
	cfg, logger, zapLogger, err := setup()
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	result, err := app.New(cfg, logger).RunArchive(cmd.Context())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d archive policies failed", len(result.Failed))
	}
	return nil
}
