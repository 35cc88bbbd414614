package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/linkhive/linkhive/internal/config"
	"github.com/linkhive/linkhive/internal/core"
	"github.com/linkhive/linkhive/internal/migrate"
	"github.com/linkhive/linkhive/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "view",
	Short:   "Show replica counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if jsonOutput(cmd) {
			format = "json"
		}
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			s, err := r.Status(ctx)
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return outputJSON(os.Stdout, s)
			case "yaml":
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				if err := enc.Encode(s); err != nil {
					return err
				}
				return enc.Close()
			case "", "text":
			default:
				return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
			}

			fmt.Printf("%s %s\n", ui.Heading("Device"), s.DeviceID)
			fmt.Printf("  Data:      %s\n", s.DataDir)
			fmt.Printf("  Records:   %s\n", s.RecordsRoot)
			fmt.Printf("\n%s\n", ui.Heading("Cache"))
			fmt.Printf("  Folders %d  Tags %d  Bookmarks %d  Highlights %d  Deleted %d\n",
				s.Cache.Folders, s.Cache.Tags, s.Cache.Bookmarks, s.Cache.Highlights, s.Cache.Tombstones)
			fmt.Printf("\n%s\n", ui.Heading("Events"))
			fmt.Printf("  Events %d  Local ops %d  Next seq %d\n", s.Events.Events, s.Events.Ops, s.Events.NextSeq)
			origins := make([]string, 0, len(s.Events.Cursors))
			for o := range s.Events.Cursors {
				origins = append(origins, o)
			}
			sort.Strings(origins)
			rows := make([][]string, 0, len(origins))
			for _, o := range origins {
				mark := ""
				if o == s.DeviceID {
					mark = "(this device)"
				}
				rows = append(rows, []string{o, strconv.FormatInt(s.Events.Cursors[o], 10), mark})
			}
			if len(rows) > 0 {
				ui.Table(os.Stdout, []string{"  ORIGIN", "SEEN", ""}, indent(rows))
			}
			if s.Journals > 0 {
				fmt.Printf("\n%s %d interrupted write(s) will be replayed on next open\n", ui.RenderWarn("⚠"), s.Journals)
			}
			if s.Queue.LastError != "" {
				fmt.Printf("\n%s last queue error: %s\n", ui.RenderFail("✗"), s.Queue.LastError)
			}
			return nil
		})
	},
}

func indent(rows [][]string) [][]string {
	for _, row := range rows {
		if len(row) > 0 {
			row[0] = "  " + row[0]
		}
	}
	return rows
}

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maint",
	Short:   "Manage the SQLite read cache",
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the cache from the records directory",
	Long: `Drop every cached row and project all records again. The records
directory is the source of truth, so this is always safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			rep, err := r.RebuildCache(ctx)
			if jsonOutput(cmd) {
				if jerr := outputJSON(os.Stdout, rep); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("rebuild finished with errors (%d projected, %d failed): %w", rep.Projected, rep.Failed, err)
			}
			fmt.Printf("%s Rebuilt cache: %d entities\n", ui.RenderPass("✓"), rep.Projected)
			return nil
		})
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			st, err := r.Cache().Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, st)
			}
			ui.Table(os.Stdout, []string{"TABLE", "ROWS"}, [][]string{
				{"folders", strconv.Itoa(st.Folders)},
				{"tags", strconv.Itoa(st.Tags)},
				{"bookmarks", strconv.Itoa(st.Bookmarks)},
				{"highlights", strconv.Itoa(st.Highlights)},
				{"tombstones", strconv.Itoa(st.Tombstones)},
			})
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import entities from a JSONL export",
	Long: `Import folders, tags and bookmarks from a JSONL file written by
lh export. Every entity is created as a new local operation on this device,
so imported data replicates like any other edit.

Entities that already exist are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			res, err := migrate.Import(ctx, args[0], r, migrate.ImportOptions{DryRun: dryRun, Backup: backup})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, res)
			}
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d entities (%d operations, %d skipped)\n",
				ui.RenderPass("✓"), verb, res.Entities, res.Drafts, res.Skipped)
			if res.BackupCreated != "" {
				fmt.Printf("  Backup: %s\n", res.BackupCreated)
			}
			for _, e := range res.Errors {
				fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), e)
			}
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "maint",
	Short:   "Export live entities as JSONL",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			out := os.Stdout
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[0], err)
				}
				defer f.Close()
				out = f
			}
			res, err := migrate.Export(out, r.Store())
			if err != nil {
				return err
			}
			if out != os.Stdout {
				if err := out.Close(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "%s Exported %d entities and %d highlights to %s (%d deleted skipped)\n",
					ui.RenderPass("✓"), res.Entities, res.Highlights, args[0], res.Deleted)
			}
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect or create the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write config.toml with the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := filepath.Join(cfg.DataDir, config.FileName)
		if err := config.WriteDefault(path, *cfg, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput(cmd) {
			return outputJSON(os.Stdout, cfg)
		}
		src := cfg.File
		if src == "" {
			src = "(defaults, no file)"
		}
		fmt.Printf("%s %s\n", ui.Heading("Config"), src)
		ui.Table(os.Stdout, []string{"KEY", "VALUE"}, [][]string{
			{"data_dir", cfg.DataDir},
			{"device_id", cfg.DeviceID},
			{"listen", cfg.Listen},
			{"peers", fmt.Sprint(cfg.Peers)},
			{"watch", strconv.FormatBool(cfg.Watch)},
			{"debounce", cfg.Debounce.String()},
			{"sync_interval", cfg.SyncInterval.String()},
			{"log.level", cfg.Log.Level},
			{"log.file", cfg.Log.File},
		})
		return nil
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json, yaml")

	cacheCmd.AddCommand(cacheRebuildCmd, cacheStatusCmd)

	importCmd.Flags().Bool("dry-run", false, "Validate without applying")
	importCmd.Flags().Bool("backup", false, "Copy the input file before importing")

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	rootCmd.AddCommand(statusCmd, cacheCmd, importCmd, exportCmd, configCmd)
}
