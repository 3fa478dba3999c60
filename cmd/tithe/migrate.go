package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/alecgard/tithe/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (all of them unless --steps is set)",
	RunE:  runMigrateDown,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE:  runMigrateVersion,
}

var migrateSteps int

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 0, "number of migrations to roll back (0 rolls back all)")
	migrateCmd.AddCommand(migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	m, err := migrate.New(cfg.MigrationsSource(), cfg.DatabaseURLForMigrate())
	if err != nil {
		return nil, fmt.Errorf("opening migrations: %w", err)
	}
	return m, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	slog.Info("migrations applied successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if migrateSteps > 0 {
		err = m.Steps(-migrateSteps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	slog.Info("migrations rolled back successfully", "steps", migrateSteps)
	return nil
}

func runMigrateVersion(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("version %d (dirty: %t)\n", v, dirty)
	return nil
}
