package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "data",
	Short:   "List and resolve conflicts waiting for a decision",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.eng.ListConflicts(cmd.Context())
		if err != nil {
			return err
		}
		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(recs)
		}
		if len(recs) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return nil
		}
		for _, rec := range recs {
			fmt.Printf("  %s  %s\n", ui.RenderAccent(rec.ID), ui.DescribeConflict(rec))
			fmt.Printf("      %s\n", ui.RenderMuted(fmt.Sprintf("local %s, server %s",
				rec.LocalTimestamp.Local().Format("2006-01-02 15:04:05"),
				rec.ServerTimestamp.Local().Format("2006-01-02 15:04:05"))))
		}
		fmt.Printf("\n%d conflict(s)\n", len(recs))
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id] [use_local|use_server|merge]",
	Short: "Settle conflicts",
	Long: `Settle a stored conflict and unblock its entity.

With an id and an action the conflict is settled directly. With only an id,
or with --all, you are asked for each conflict; this needs a terminal.
The outcome is pushed on the next sync.`,
	Example: `  fitsync conflicts resolve 3b9e... use_server
  fitsync conflicts resolve --all`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			return fmt.Errorf("give a conflict id or --all")
		}
		ctx := cmd.Context()

		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 2 {
			action := resolver.Action(args[1])
			if err := a.eng.ResolveConflict(ctx, args[0], action); err != nil {
				return err
			}
			fmt.Printf("%s Resolved %s with %s\n", ui.RenderPass("✓"), args[0], action)
			return nil
		}

		if !ui.IsTerminal() {
			return fmt.Errorf("interactive resolution needs a terminal; pass the action as the second argument")
		}
		var recs []*schema.ConflictRecord
		if all {
			if recs, err = a.eng.ListConflicts(ctx); err != nil {
				return err
			}
		} else {
			rec, err := a.db.GetConflict(ctx, args[0])
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}

		resolved := 0
		for _, rec := range recs {
			action, err := ui.ChooseConflictAction(rec)
			if errors.Is(err, ui.ErrSkipped) {
				continue
			}
			if err != nil {
				return err
			}
			if err := a.eng.ResolveConflict(ctx, rec.ID, action); err != nil {
				return fmt.Errorf("failed to resolve %s: %w", rec.ID, err)
			}
			resolved++
		}
		fmt.Printf("%s Resolved %d of %d conflict(s)\n", ui.RenderPass("✓"), resolved, len(recs))
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().Bool("all", false, "walk through every stored conflict")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
