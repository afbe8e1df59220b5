package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mission-talk/server/internal/results"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the mission results database schema",
	}
	cmd.AddCommand(
		newMigrateStepCmd("up", "Apply all pending migrations", (*results.Migrator).Up),
		newMigrateStepCmd("down", "Roll back all migrations", (*results.Migrator).Down),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, closeFn, err := openMigrator(cmd)
				if err != nil {
					return err
				}
				defer closeFn()
				version, dirty, err := m.Version(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("version: %d dirty: %v\n", version, dirty)
				return nil
			},
		},
	)
	return cmd
}

func newMigrateStepCmd(use, short string, step func(*results.Migrator, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := step(m, cmd.Context()); err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			fmt.Printf("migrate %s: done\n", use)
			return nil
		},
	}
}

func openMigrator(cmd *cobra.Command) (*results.Migrator, func(), error) {
	cfg, _, err := loadRuntime()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.DatabaseURL == "" {
		return nil, nil, errors.New("storage.database_url (or DATABASE_URL) is required")
	}
	pool, err := results.Connect(cmd.Context(), cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return results.NewMigrator(pool), pool.Close, nil
}
