package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/ui"
)

var (
	allKinds = schema.Kinds
	allTypes = []schema.ConflictType{schema.ConflictUpdate, schema.ConflictDelete, schema.ConflictConcurrentCreation}
)

var prefsCmd = &cobra.Command{
	Use:     "prefs",
	GroupID: "data",
	Short:   "Conflict resolution preferences",
	Long: `Preferences decide conflicts without asking. Each applies to one
entity type and conflict type:

  ask            keep the conflict until someone decides (default)
  always_local   keep this device's copy
  always_server  take the server's copy
  always_merge   merge both copies where a merge strategy exists
  always_newer   keep whichever side changed last

Differences in deleted, archived, published or status always go to the
server's copy, whatever the preference.`,
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show every preference",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		r := a.eng.Resolver()
		out := make(map[schema.Kind]map[schema.ConflictType]resolver.Preference, len(allKinds))
		for _, kind := range allKinds {
			out[kind] = make(map[schema.ConflictType]resolver.Preference, len(allTypes))
			for _, ct := range allTypes {
				pref, err := r.GetUserPreference(cmd.Context(), kind, ct)
				if err != nil {
					return err
				}
				out[kind][ct] = pref
			}
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(out)
		}
		for _, kind := range allKinds {
			fmt.Printf("%s\n", ui.RenderAccent(string(kind)))
			fields := make([]ui.Field, 0, len(allTypes))
			for _, ct := range allTypes {
				v := string(out[kind][ct])
				if out[kind][ct] == resolver.Ask {
					v = ui.RenderMuted(v)
				}
				fields = append(fields, ui.Field{Label: string(ct), Value: v})
			}
			ui.PrintFields(os.Stdout, fields)
		}
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:     "set <kind> <conflict-type> <preference>",
	Short:   "Set the preference for one entity and conflict type",
	Example: `  fitsync prefs set set update_conflict always_merge`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		kind, ct, pref := schema.Kind(args[0]), schema.ConflictType(args[1]), resolver.Preference(args[2])
		if err := a.eng.Resolver().SetUserPreference(cmd.Context(), kind, ct, pref); err != nil {
			return err
		}
		fmt.Printf("%s %s %s: %s\n", ui.RenderPass("✓"), kind, ct, pref)
		return nil
	},
}

func init() {
	prefsCmd.AddCommand(prefsShowCmd, prefsSetCmd)
	rootCmd.AddCommand(prefsCmd)
}
