package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fitsync/internal/config"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/transfer"
	"github.com/steveyegge/fitsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Write every local entity as JSONL",
	Long: `Write the tenant's workouts, exercises, sets and profile to a JSONL
file (or stdout), parents first. Deleted entities are left out unless
--include-deleted is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withDeleted, _ := cmd.Flags().GetBool("include-deleted")

		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			defer f.Close()
			out = f
		}
		w := bufio.NewWriter(out)
		res, err := transfer.Export(cmd.Context(), a.db, w, transfer.ExportOptions{
			TenantID:       a.cfg.TenantID,
			IncludeDeleted: withDeleted,
		})
		if err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		if len(args) == 1 {
			fmt.Printf("%s Exported %s to %s\n", ui.RenderPass("✓"), countKinds(res.Entities), args[0])
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "data",
	Short:   "Queue the entities of a JSONL export as local changes",
	Long: `Turn each line of a JSONL export into a create mutation in the spool
directory. A running daemon picks them up; otherwise they are queued on
its next start. Invalid lines are reported and skipped.`,
	Example: `  fitsync import backup.jsonl --dry-run
  fitsync import other-device.jsonl --retenant --backup`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		retenant, _ := cmd.Flags().GetBool("retenant")

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		opts := transfer.ImportOptions{
			From:     args[0],
			SpoolDir: cfg.SpoolDir,
			DryRun:   dryRun,
			Backup:   backup,
		}
		if retenant {
			if cfg.TenantID == "" {
				return fmt.Errorf("--retenant needs tenant_id in the config")
			}
			opts.TenantID = cfg.TenantID
		}

		res, err := transfer.Import(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(res)
		}

		verb := "Spooled"
		if dryRun {
			verb = "Would spool"
		}
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, countKinds(res.Entities))
		if res.Tombstones > 0 {
			fmt.Printf("   %s\n", ui.RenderMuted(fmt.Sprintf("skipped %d deleted", res.Tombstones)))
		}
		if res.BackupCreated != "" {
			fmt.Printf("   %s %s\n", ui.RenderMuted("backup:"), res.BackupCreated)
		}
		for _, msg := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderFail("✗"), msg)
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d record(s) could not be imported", len(res.Errors))
		}
		return nil
	},
}

func countKinds(counts map[schema.Kind]int) string {
	var parts []string
	total := 0
	for _, kind := range allKinds {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
			total += n
		}
	}
	if total == 0 {
		return "nothing"
	}
	return strings.Join(parts, ", ")
}

func init() {
	exportCmd.Flags().Bool("include-deleted", false, "also write deleted entities")
	importCmd.Flags().Bool("dry-run", false, "validate without writing spool files")
	importCmd.Flags().Bool("backup", false, "copy the input file before importing")
	importCmd.Flags().Bool("retenant", false, "move every entity to the configured tenant")
	rootCmd.AddCommand(exportCmd, importCmd)
}
