package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/ui"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	GroupID: "advanced",
	Short:   "Show or move the pull checkpoint",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		cp, err := a.eng.Checkpoint(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint: %s\n", formatTime(cp))
		return nil
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the checkpoint back so older changes are pulled again",
	Long: `Without --since the checkpoint is cleared and the next sync pulls the
full change history. --since takes an RFC3339 time or a phrase such as
"yesterday" or "3 days ago".

Entities with queued operations or stored conflicts are not overwritten by
the re-pulled changes.`,
	Example: `  fitsync checkpoint reset
  fitsync checkpoint reset --since "last monday"
  fitsync checkpoint reset --since 2026-10-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		yes, _ := cmd.Flags().GetBool("yes")

		var since *time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			since = &t
		}

		if !yes && ui.IsTerminal() {
			title := "Clear the checkpoint and pull everything on the next sync?"
			if since != nil {
				title = fmt.Sprintf("Pull every change since %s on the next sync?", formatTime(since))
			}
			ok, err := ui.Confirm(title)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Checkpoint unchanged")
				return nil
			}
		}

		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.eng.ResetCheckpoint(cmd.Context(), since); err != nil {
			return err
		}
		fmt.Printf("%s Checkpoint set to %s\n", ui.RenderPass("✓"), formatTime(since))
		return nil
	},
}

// parseSince accepts RFC3339 or a natural language phrase relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand time %q", text)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("%q is in the future", text)
	}
	return r.Time, nil
}

func init() {
	checkpointResetCmd.Flags().String("since", "", "pull changes from this time on")
	checkpointResetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	checkpointCmd.AddCommand(checkpointResetCmd)
	rootCmd.AddCommand(checkpointCmd)
}
