package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voyagen/loopcaster/internal/store"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			backend, err := store.BackendFor(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if backend == store.BackendSQLite {
				// The SQLite schema is embedded and applied on open.
				st, err := store.Open(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("db: %w", err)
				}
				st.Close()
				fmt.Fprintf(out, "sqlite schema ready at %s\n", store.SQLitePath(cfg.DatabaseURL))
				return nil
			}
			if err := store.EnsureReachable(cmd.Context(), cfg.DatabaseURL); err != nil {
				return fmt.Errorf("db: %w", err)
			}
			src := migrationsSource()
			if err := store.RunMigrations(cfg.DatabaseURL, src); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(out, "migrations applied from %s\n", src)
			return nil
		},
	}
}
