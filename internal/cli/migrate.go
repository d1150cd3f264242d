package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/persistence"
)

// NewMigrateCmd creates the migrate command
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Long: `Apply pending schema migrations to the configured database. Commands that
open the database migrate it automatically; this command does it up front,
for example before starting workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Database.Driver == "memory" {
				fmt.Fprintln(out, "The memory driver has no schema to migrate.")
				return nil
			}

			ctx := cmd.Context()
			store, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to migrate %s database: %w", cfg.Database.Driver, err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					Logger.Debug("failed to close store", "error", err)
				}
			}()

			versions, err := store.AppliedMigrations(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s schema is up to date\n", color.GreenString("✓"), cfg.Database.Driver)
			for _, v := range versions {
				fmt.Fprintf(out, "  %s\n", v)
			}
			return nil
		},
	}
}
