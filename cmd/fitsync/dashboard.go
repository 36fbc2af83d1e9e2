package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/dashboard"
	"github.com/steveyegge/fitsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Sync in the background and watch it in the browser",
	Long: `Start the sync engine with the dashboard server and no spool watcher.

Endpoints:
  /         live event page
  /ws       WebSocket feed of sync events
  /status   current sync status as JSON
  /metrics  Prometheus metrics
  /health   liveness`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, appOptions{logFile: true})
		if err != nil {
			return err
		}
		defer a.Close()
		if !cmd.Flags().Changed("port") {
			port = a.cfg.DashboardPort
		}

		server := dashboard.NewServer(&dashboard.Config{
			Host:   host,
			Port:   port,
			Logger: a.out.Logger("dashboard"),
		}, a.eng)
		bridge := dashboard.NewHandler(server, a.out.Logger("dashboard"))
		bridge.Attach(a.eng)
		defer bridge.Detach()

		if err := server.Listen(); err != nil {
			return err
		}
		defer server.Close()

		fmt.Printf("%s Dashboard at http://%s\n", ui.RenderAccent("📊"), server.Addr())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := a.eng.Run(ctx); err != nil {
			return err
		}
		fmt.Println("Dashboard stopped")
		return nil
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "port (default: dashboard_port from config)")
	dashboardCmd.Flags().String("host", "localhost", "interface to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
