package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkhive/linkhive/internal/core"
	"github.com/linkhive/linkhive/internal/loadtest"
	"github.com/linkhive/linkhive/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure local write and search latency on a scratch replica",
	Long: `Create a throwaway replica, fill it with bookmarks and then run
concurrent writers and searchers against it.

Writers go through the sequential queue like any local edit, so write
latency includes queue wait, the record file write, the event append and
cache projection. The run fails if the operation log shows a gap or
reordering afterwards.

Examples:
  lh bench
  lh bench --writers 16 --ops 200
  lh bench --bookmarks 5000 --readers 8 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		writers, _ := f.GetInt("writers")
		ops, _ := f.GetInt("ops")
		readers, _ := f.GetInt("readers")
		queries, _ := f.GetInt("queries")
		bookmarks, _ := f.GetInt("bookmarks")
		keep, _ := f.GetBool("keep")

		if writers <= 0 || ops <= 0 || readers <= 0 || queries <= 0 || bookmarks <= 0 {
			return fmt.Errorf("--writers, --ops, --readers, --queries and --bookmarks must be positive")
		}

		dir, err := os.MkdirTemp("", "lh-bench-")
		if err != nil {
			return err
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		ctx := cmd.Context()
		r, err := core.Open(ctx, core.Options{DataDir: dir, Logger: logger})
		if err != nil {
			return err
		}
		defer r.Close()

		quiet := jsonOutput(cmd)
		if !quiet {
			fmt.Printf("Replica %s (%s, %d CPUs)\n", dir, runtime.GOOS, runtime.NumCPU())
		}

		began := time.Now()
		ds, err := loadtest.Populate(ctx, r, bookmarks/50+1, 10, bookmarks)
		if err != nil {
			return err
		}
		populate := time.Since(began)

		write, err := loadtest.RunConcurrentWriters(ctx, r, ds, writers, ops)
		if err != nil {
			return err
		}
		search, err := loadtest.RunConcurrentSearches(ctx, r, readers, queries)
		if err != nil {
			return err
		}
		verr := loadtest.VerifySequence(ctx, r)

		if quiet {
			out := map[string]any{
				"dir":       dir,
				"populate":  populate.String(),
				"writes":    write,
				"searches":  search,
				"sequenced": verr == nil,
			}
			if err := outputJSON(os.Stdout, out); err != nil {
				return err
			}
		} else {
			fmt.Printf("Populated %d bookmarks in %v\n\n", bookmarks, populate.Round(time.Millisecond))
			write.PrintStats(os.Stdout, fmt.Sprintf("Writes (%d writers × %d ops)", writers, ops))
			fmt.Println()
			search.PrintStats(os.Stdout, fmt.Sprintf("Searches (%d readers × %d queries)", readers, queries))
			fmt.Println()
		}

		if verr != nil {
			return fmt.Errorf("operation log check failed: %w", verr)
		}
		if write.Errors > 0 || search.Errors > 0 {
			return fmt.Errorf("%d write and %d search errors", write.Errors, search.Errors)
		}
		if !quiet {
			fmt.Printf("%s Operation log is gap-free\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("writers", 8, "Concurrent writers")
	benchCmd.Flags().Int("ops", 50, "Operations per writer")
	benchCmd.Flags().Int("readers", 4, "Concurrent searchers")
	benchCmd.Flags().Int("queries", 100, "Searches per reader")
	benchCmd.Flags().Int("bookmarks", 1000, "Bookmarks to create before measuring")
	benchCmd.Flags().Bool("keep", false, "Keep the scratch replica directory")
	rootCmd.AddCommand(benchCmd)
}
