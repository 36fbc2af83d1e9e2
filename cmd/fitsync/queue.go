package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/config"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "data",
	Short:   "Inspect and add local changes waiting to sync",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.db.DequeueOperations(cmd.Context())
		if err != nil {
			return err
		}
		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(ops)
		}
		if len(ops) == 0 {
			fmt.Printf("%s Nothing queued\n", ui.RenderPass("✓"))
			return nil
		}
		for _, op := range ops {
			line := fmt.Sprintf("%-6s %-12s %s", op.Type, op.EntityType, op.EntityID)
			extra := op.Timestamp.Local().Format("2006-01-02 15:04:05")
			if op.RetryCount > 0 {
				extra += fmt.Sprintf(", %d failed, next try %s", op.RetryCount, op.NotBefore.Local().Format("15:04:05"))
			}
			fmt.Printf("  %s  %s\n", line, ui.RenderMuted(extra))
		}
		fmt.Printf("\n%d operation(s)\n", len(ops))
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <create|update|delete> <kind> <id>",
	Short: "Record a local change",
	Long: `Record a local change to an entity. Kinds are workout, exercise, set
and user_profile. Create and update take the entity JSON with --data or
--file.

With --spool the change is written to the spool directory for a running
daemon to pick up instead of opening the database.`,
	Example: `  fitsync queue add create workout w-1 --data '{"name":"Leg day"}'
  fitsync queue add update set s-9 --file set.json --spool
  fitsync queue add delete exercise e-4`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, kind, id := schema.OpType(args[0]), schema.Kind(args[1]), args[2]
		if !typ.Valid() {
			return fmt.Errorf("unknown operation %q", args[0])
		}
		if !kind.Valid() {
			return fmt.Errorf("unknown entity type %q", args[1])
		}

		data, err := readData(cmd)
		if err != nil {
			return err
		}
		if typ != schema.OpDelete && len(data) == 0 {
			return fmt.Errorf("%s needs --data or --file", typ)
		}

		if toSpool, _ := cmd.Flags().GetBool("spool"); toSpool {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			m := &schema.MutationFile{Type: typ, EntityType: kind, EntityID: id, Data: data}
			if err := schema.WriteMutationFile(cfg.SpoolDir, m); err != nil {
				return err
			}
			fmt.Printf("%s Spooled %s %s/%s as %s\n", ui.RenderPass("✓"), typ, kind, id, m.Filename())
			return nil
		}

		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.eng.QueueChange(cmd.Context(), typ, kind, id, data); err != nil {
			return err
		}
		fmt.Printf("%s Queued %s %s/%s\n", ui.RenderPass("✓"), typ, kind, id)
		return nil
	},
}

func readData(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use --data or --file, not both")
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		inline = string(b)
	case inline == "":
		return nil, nil
	}
	if !json.Valid([]byte(inline)) {
		return nil, fmt.Errorf("entity data is not valid JSON")
	}
	return json.RawMessage(inline), nil
}

func init() {
	queueAddCmd.Flags().String("data", "", "entity JSON")
	queueAddCmd.Flags().String("file", "", "file holding the entity JSON")
	queueAddCmd.Flags().Bool("spool", false, "hand the change to a running daemon")
	queueCmd.AddCommand(queueListCmd, queueAddCmd)
	rootCmd.AddCommand(queueCmd)
}
