package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, zapLogger, err := setup()
			if err != nil {
				return err
			}
			defer zapLogger.Sync()
			return app.New(cfg, logger).Migrate(cmd.Context())
		},
	}
}
