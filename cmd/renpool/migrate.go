package main

import (
	"errors"

	"github.com/irfndi/renpool/internal/config"
	"github.com/irfndi/renpool/internal/repository"
	"github.com/spf13/cobra"
)

func migrateRun(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errors.New("no config found in context")
	}
	if cfg.DBDriver == "" {
		return errors.New("no database configured, set DB_DRIVER")
	}
	logger := setupLogger(cfg)

	db, err := repository.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repository.Migrate(db); err != nil {
		return err
	}
	logger.WithField("driver", cfg.DBDriver).Info("Database migrated")
	return nil
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the pool and event journal tables",
		RunE:  migrateRun,
	}
}
