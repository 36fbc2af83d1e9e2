package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/engine"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Push queued operations, pull changes since the checkpoint and apply
them. Conflicts the configured policies cannot settle are offered for a
decision when stdout is a terminal; otherwise they stay stored and block
their entity until 'fitsync conflicts resolve'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noPrompt, _ := cmd.Flags().GetBool("no-prompt")
		ctx := cmd.Context()

		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		type ask struct {
			rec     *schema.ConflictRecord
			resolve engine.ResolveFunc
		}
		var mu sync.Mutex
		var asks []ask
		a.eng.OnConflictNeedsInput(func(rec *schema.ConflictRecord, resolve engine.ResolveFunc) {
			mu.Lock()
			asks = append(asks, ask{rec, resolve})
			mu.Unlock()
		})

		if !jsonFlag {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), a.cfg.ServerURL)
		}
		res, err := a.eng.ForceSyncNow(ctx)
		if errors.Is(err, engine.ErrOffline) {
			return fmt.Errorf("server unreachable; changes stay queued until the next sync")
		}
		if err != nil {
			return err
		}

		mu.Lock()
		pending := asks
		mu.Unlock()
		resolved := 0
		if len(pending) > 0 && !noPrompt && !jsonFlag && ui.IsTerminal() {
			for _, q := range pending {
				action, err := ui.ChooseConflictAction(q.rec)
				if errors.Is(err, ui.ErrSkipped) {
					continue
				}
				if err != nil {
					return err
				}
				if err := q.resolve(action); err != nil {
					return fmt.Errorf("failed to resolve %s: %w", q.rec.ID, err)
				}
				resolved++
			}
		}
		if resolved > 0 {
			// Push the resolutions in the same invocation.
			if _, err := a.eng.ForceSyncNow(ctx); err != nil {
				return err
			}
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		printResult(res)
		if left := len(pending) - resolved; left > 0 {
			fmt.Printf("%s %d conflict(s) need a decision: fitsync conflicts resolve\n", ui.RenderWarn("⚠"), left)
		}
		return nil
	},
}

func printResult(res *engine.Result) {
	mark := ui.RenderPass("✓")
	if res.Errors > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %v\n", mark, res.Duration.Round(time.Millisecond))
	ui.PrintFields(os.Stdout, []ui.Field{
		{Label: "Pushed", Value: fmt.Sprint(res.Synced)},
		{Label: "Pulled", Value: fmt.Sprint(res.Pulled)},
		{Label: "Conflicts", Value: fmt.Sprint(res.Conflicts)},
		{Label: "Errors", Value: fmt.Sprint(res.Errors)},
	})
	for _, b := range res.Blocked {
		fmt.Printf("   %s %s\n", ui.RenderMuted("blocked:"), b.Error())
	}
}

func init() {
	syncCmd.Flags().Bool("no-prompt", false, "never ask about conflicts")
	rootCmd.AddCommand(syncCmd)
}
