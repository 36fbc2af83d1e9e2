package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/logging"
	"github.com/steveyegge/fitsync/internal/remote"
	"github.com/steveyegge/fitsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run an in-memory sync server for development",
	Long: `Serve the sync protocol from memory so devices can be tried against
each other without the production backend. State is lost on exit.

Tenants are taken from the X-Tenant-ID header.`,
	Example: `  fitsync serve --addr :8787`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		out, err := logging.Open(logging.Options{})
		if err != nil {
			return err
		}
		defer out.Close()
		logger := out.Logger("server")

		handler := remote.NewHandler(remote.NewMemory(), logger)
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		fmt.Printf("%s Sync server listening on %s\n", ui.RenderAccent("🚀"), addr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Println("Shutting down")
		handler.CloseStreams()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8787", "listen address")
	rootCmd.AddCommand(serveCmd)
}
