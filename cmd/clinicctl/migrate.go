package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-appointments/internal/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the embedded database migrations",
	}

	cmd.AddCommand(
		migrateStep("up", "Apply all pending migrations", func(m *db.Migrator, cmd *cobra.Command) error {
			return m.Up(cmd.Context())
		}),
		migrateStep("down", "Roll back the most recent migration", func(m *db.Migrator, cmd *cobra.Command) error {
			return m.Down(cmd.Context())
		}),
		migrateStep("status", "Print the status of every migration", func(m *db.Migrator, cmd *cobra.Command) error {
			if err := m.Status(cmd.Context()); err != nil {
				return err
			}
			v, err := m.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current version: %d\n", v)
			return nil
		}),
	)
	return cmd
}

func migrateStep(use, short string, fn func(*db.Migrator, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			m, err := db.NewMigrator(e.pool, e.log)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := fn(m, cmd); err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			return nil
		},
	}
}
