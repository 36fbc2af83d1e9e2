package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/config"
	"github.com/steveyegge/fitsync/internal/store"
	"github.com/steveyegge/fitsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create the config file and local database",
	Long: `Write fitsync.yaml with every setting at its default, create the data
and spool directories and the local SQLite database.

An existing config file is left alone.`,
	Example: `  fitsync init --tenant 7f3c
  fitsync init --tenant 7f3c --data-dir ./device-a`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		if dataDir == "" {
			dataDir = config.DefaultDataDir()
		}

		path := cfgFile
		if path == "" {
			path = filepath.Join(dataDir, config.FileName)
		}
		if err := config.WriteDefault(path, tenant, dataDir); err != nil {
			if _, statErr := os.Stat(path); statErr != nil {
				return err
			}
			fmt.Printf("%s Keeping existing config %s\n", ui.RenderWarn("⚠"), path)
		} else {
			fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.SpoolDir, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}

		db, err := store.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchemaContext(cmd.Context()); err != nil {
			return err
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{
				"config":   path,
				"database": cfg.DBPath(),
				"spool":    cfg.SpoolDir,
				"tenant":   cfg.TenantID,
			})
		}
		fmt.Printf("%s Database ready\n\n", ui.RenderPass("✓"))
		ui.PrintFields(os.Stdout, []ui.Field{
			{Label: "Tenant", Value: cfg.TenantID},
			{Label: "Server", Value: cfg.ServerURL},
			{Label: "Database", Value: cfg.DBPath()},
			{Label: "Spool", Value: cfg.SpoolDir},
		})
		return nil
	},
}

func init() {
	initCmd.Flags().String("tenant", "", "tenant id this device syncs")
	initCmd.Flags().String("data-dir", "", "data directory (default: $XDG_DATA_HOME/fitsync)")
	rootCmd.AddCommand(initCmd)
}
