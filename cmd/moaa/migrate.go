package main

import (
	"github.com/spf13/cobra"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/observability"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(config.LoadMigrate)
			if err != nil {
				return err
			}
			defer observability.Sync()

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			observability.Info("migrations_applied", nil)
			return store.Close()
		},
	}
}
