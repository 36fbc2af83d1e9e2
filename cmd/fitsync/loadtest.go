package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/loadtest"
	"github.com/steveyegge/fitsync/internal/logging"
	"github.com/steveyegge/fitsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure the engine under concurrent writes and real-time changes",
	Long: `Run the sync engine against an in-memory server while many writers
queue local changes and remote changes stream in. Reports latency, throughput
and resource use, then checks that device and server agree.

Nothing here touches the configured database or server.`,
	Example: `  fitsync loadtest
  fitsync loadtest --writers 50 --writes 100 --remote 1000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadtest.DefaultConfig()
		cfg.Writers, _ = cmd.Flags().GetInt("writers")
		cfg.WritesPerWriter, _ = cmd.Flags().GetInt("writes")
		cfg.EntitiesPerWriter, _ = cmd.Flags().GetInt("entities")
		cfg.RemoteChanges, _ = cmd.Flags().GetInt("remote")
		cfg.SyncEvery, _ = cmd.Flags().GetDuration("sync-every")
		cfg.Dir, _ = cmd.Flags().GetString("dir")
		if verbose {
			out, err := logging.Open(logging.Options{})
			if err != nil {
				return err
			}
			defer out.Close()
			cfg.Logger = out.Logger("loadtest")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		fmt.Printf("%s Running load test...\n\n", ui.RenderAccent("⏱"))
		res, err := loadtest.Run(ctx, cfg)
		if err != nil {
			return fmt.Errorf("load test failed: %w", err)
		}
		loadtest.PrintResult(os.Stdout, res)
		if !res.Success() {
			return fmt.Errorf("load test finished with %d error(s) and %d mismatch(es)", res.Errors, res.Mismatches)
		}
		return nil
	},
}

func init() {
	def := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("writers", def.Writers, "concurrent local writers")
	loadtestCmd.Flags().Int("writes", def.WritesPerWriter, "writes per writer")
	loadtestCmd.Flags().Int("entities", def.EntitiesPerWriter, "workouts each writer edits")
	loadtestCmd.Flags().Int("remote", def.RemoteChanges, "real-time changes from the server")
	loadtestCmd.Flags().Duration("sync-every", def.SyncEvery, "pause between forced cycles")
	loadtestCmd.Flags().String("dir", "", "keep the database here instead of a temporary directory")
	rootCmd.AddCommand(loadtestCmd)
}
