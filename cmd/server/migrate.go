package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/hris-approvals/config"
	"github.com/warp/hris-approvals/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Long: `Opens the configured database, applies the schema and exits.
Both sqlite and postgres stores migrate on open, so this is only needed
to prepare a database ahead of a deploy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Component("migrate")
		if cfg.Database.Driver == config.DriverMemory {
			logger.Info().Msg("memory driver has no schema, nothing to do")
			return nil
		}

		b, err := openBackend(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", cfg.Database.Driver, err)
		}
		defer b.close()

		logger.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
