package main

import (
	"github.com/spf13/cobra"

	"ai-workflows/backend/internal/config"
	"ai-workflows/backend/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL session schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		pool, err := initDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repository.NewPostgresSessionStore(pool, cfg.Session.MaxRecordBytes).Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Schema up to date", "database", cfg.DB.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
