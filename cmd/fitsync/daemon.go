package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/daemon"
	"github.com/steveyegge/fitsync/internal/dashboard"
	"github.com/steveyegge/fitsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the device in sync (foreground)",
	Long: `Run the sync engine until interrupted.

The daemon will:
  1. Queue mutation files dropped into the spool directory
  2. Run a sync cycle every sync.interval while the server is reachable
  3. Keep a real-time subscription for changes from other devices
  4. Serve the dashboard when --dashboard is given

Logs go to stderr and to the rotated log file from the config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, appOptions{logFile: true})
		if err != nil {
			return err
		}
		defer a.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.Logger = a.out.Logger("daemon")
		if withDashboard {
			if !cmd.Flags().Changed("port") {
				port = a.cfg.DashboardPort
			}
			dcfg.Dashboard = &dashboard.Config{Port: port, Logger: a.out.Logger("dashboard")}
		}

		d, err := daemon.NewWithConfig(a.eng, a.cfg.SpoolDir, dcfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		ui.PrintFields(os.Stdout, []ui.Field{
			{Label: "Tenant", Value: a.cfg.TenantID},
			{Label: "Server", Value: a.cfg.ServerURL},
			{Label: "Spool", Value: a.cfg.SpoolDir},
			{Label: "Log", Value: a.cfg.LogFile},
		})
		if withDashboard {
			fmt.Printf("   Dashboard: http://localhost:%d\n", port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port (default: dashboard_port from config)")
	rootCmd.AddCommand(daemonCmd)
}
