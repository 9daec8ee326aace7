package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"alphamine/internal/config"
	"alphamine/internal/database"
	"alphamine/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the knowledge base schema in PostgreSQL",
}

func init() {
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *database.Migrator, _ []string) error {
			return m.Up()
		}),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *database.Migrator, _ []string) error {
			return m.Down()
		}),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		RunE: withMigrator(func(cmd *cobra.Command, m *database.Migrator, _ []string) error {
			st, err := m.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d\ndirty:   %t\n", st.CurrentVersion, st.IsDirty)
			return nil
		}),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m *database.Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return m.Force(v)
		}),
	})
}

func withMigrator(fn func(*cobra.Command, *database.Migrator, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootFlags.configPath)
		if err != nil {
			return err
		}
		logger.Init(cfg.Logging)

		db, err := database.NewConnection(cmd.Context(), databaseConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		m, err := database.NewMigrator(db, cfg.Database.MigrationsPath)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(cmd, m, args)
	}
}
