package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/engine"
	"github.com/steveyegge/fitsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Display connectivity, queued operations, unresolved conflicts, the
pull checkpoint, local storage use and cumulative sync statistics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.eng.GetSyncStatus(cmd.Context())
		if err != nil {
			return err
		}
		if jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStatus(st)
		return nil
	},
}

func printStatus(st *engine.Status) {
	online := ui.RenderPass("online")
	if !st.IsOnline {
		online = ui.RenderWarn("offline")
	}
	conflicts := fmt.Sprint(st.Conflicts)
	if st.Conflicts > 0 {
		conflicts = ui.RenderWarn(conflicts + " (run 'fitsync conflicts resolve')")
	}

	fmt.Printf("\n%s Sync status\n\n", ui.RenderAccent("📊"))
	ui.PrintFields(os.Stdout, []ui.Field{
		{Label: "Tenant", Value: st.TenantID},
		{Label: "Network", Value: online},
		{Label: "Last sync", Value: formatTime(st.LastSync)},
		{Label: "Checkpoint", Value: formatTime(st.Checkpoint)},
		{Label: "Pending operations", Value: fmt.Sprint(st.PendingOperations)},
		{Label: "Retries waiting", Value: fmt.Sprint(st.RetryTimers)},
		{Label: "Conflicts", Value: conflicts},
		{Label: "Storage", Value: ui.FormatBytes(st.StorageUsage)},
	})

	s := st.Stats
	fmt.Printf("\n%s\n", ui.RenderMuted("Since first sync"))
	fields := []ui.Field{
		{Label: "Cycles", Value: fmt.Sprintf("%d (%d failed)", s.Cycles, s.FailedCycles)},
		{Label: "Pushed", Value: fmt.Sprint(s.Pushed)},
		{Label: "Pulled", Value: fmt.Sprint(s.Pulled)},
		{Label: "Conflicts", Value: fmt.Sprint(s.Conflicts)},
		{Label: "Errors", Value: fmt.Sprint(s.Errors)},
	}
	if s.LastError != "" {
		fields = append(fields, ui.Field{Label: "Last error", Value: ui.RenderFail(s.LastError) + " " + ui.RenderMuted(formatTime(s.LastErrorAt))})
	}
	ui.PrintFields(os.Stdout, fields)
	fmt.Println()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
