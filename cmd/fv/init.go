package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldvault/fieldvault/internal/config"
	"github.com/fieldvault/fieldvault/internal/storage/dolt"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a fieldvault data directory",
	Long: `Creates the data directory, bootstraps the embedded database schema,
and writes config.yaml with the application and actor defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveDataDir()

		cfg := config.LoadLocalConfig(dir)
		if appName != "" {
			cfg.Application = appName
		}
		if actorFlag != "" {
			cfg.Actor = actorFlag
		}
		if cfg.Database == "" {
			cfg.Database = "fieldvault"
		}
		if err := cfg.Save(dir); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		// Open once to create the database and schema.
		st, err := dolt.New(cmd.Context(), &dolt.Config{
			Path:        filepath.Join(dir, "dolt"),
			Database:    cfg.Database,
			OpenTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		if err := st.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"data_dir": dir, "database": cfg.Database})
		} else {
			fmt.Printf("Initialized fieldvault in %s\n", dir)
		}
		return nil
	},
}
