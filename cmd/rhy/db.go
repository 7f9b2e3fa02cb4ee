package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/db"
	"gorm.io/gorm"
)

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and seed users from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, a)
		},
	})
	return cmd
}

func runDBMigrate(cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	cfg, err := a.load()
	if err != nil {
		return err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)

	if err := db.SeedUsers(gormDB, cfg.Users); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d users\n", len(cfg.Users))
	return nil
}

// openDB connects and migrates.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}
