// Command fitsync keeps a device's workout data in sync with the server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/config"
	"github.com/steveyegge/fitsync/internal/engine"
	"github.com/steveyegge/fitsync/internal/logging"
	"github.com/steveyegge/fitsync/internal/remote"
	"github.com/steveyegge/fitsync/internal/store"
	"github.com/steveyegge/fitsync/internal/ui"
)

var (
	cfgFile  string
	noColor  bool
	verbose  bool
	jsonFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "fitsync",
	Short: "Offline-first sync for workouts, exercises, sets and profiles",
	Long: `fitsync keeps a local SQLite copy of a tenant's workouts, exercises,
sets and user profile, records changes made while offline and reconciles
them with the sync server.

Run 'fitsync init --tenant <id>' once, then 'fitsync daemon' to keep the
device in sync, or 'fitsync sync' for a single cycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || !ui.IsTerminal() {
			ui.DisableColor()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data dir>/fitsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print JSON instead of text")

	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// app is what most commands need: config, logs, store and engine.
type app struct {
	cfg *config.Config
	out *logging.Output
	db  *store.DB
	eng *engine.Engine
}

type appOptions struct {
	// logFile also writes logs to the rotated file from the config
	logFile bool
}

// openApp loads config, opens the store and initializes the engine for the
// configured tenant.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is not set; run 'fitsync init --tenant <id>' or set FITSYNC_TENANT_ID")
	}

	lopts := logging.Options{
		Quiet:      !verbose && !opts.logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if opts.logFile {
		lopts.File = cfg.LogFile
	}
	out, err := logging.Open(lopts)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		out.Close()
		return nil, err
	}

	client, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:  cfg.ServerURL,
		TenantID: cfg.TenantID,
		Logger:   out.Logger("remote"),
	})
	if err != nil {
		db.Close()
		out.Close()
		return nil, err
	}

	eng, err := engine.NewWithConfig(db, client, cfg.Engine(out.Logger("engine")))
	if err != nil {
		db.Close()
		out.Close()
		return nil, err
	}
	client.SetOnReconnect(eng.Reconnected)

	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := eng.Init(ictx, cfg.TenantID); err != nil {
		eng.Close()
		db.Close()
		out.Close()
		return nil, err
	}

	return &app{cfg: cfg, out: out, db: db, eng: eng}, nil
}

func (a *app) Close() {
	_ = a.eng.Close()
	_ = a.db.Close()
	_ = a.out.Close()
}
