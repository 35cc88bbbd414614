// Command lh is the linkhive command-line client: it edits the local
// replica, serves it to peers and syncs with them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkhive/linkhive/internal/config"
	"github.com/linkhive/linkhive/internal/core"
	"github.com/linkhive/linkhive/internal/lockfile"
	"github.com/linkhive/linkhive/internal/logging"
)

var (
	v         = config.New()
	cfg       *config.Config
	logger    = slog.Default()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "lh",
	Short: "linkhive - local-first bookmarks that sync between your devices",
	Long: `linkhive keeps bookmarks, folders, tags and highlights as plain JSON files
under a data directory and replicates every change to peer devices over a
WebSocket connection. Every device can edit offline; concurrent edits merge
field by field when devices meet again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(v, path)
		if err != nil {
			return err
		}
		cfg = loaded

		l, closer, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return err
		}
		logger, logCloser = l, closer
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "edit", Title: "Editing:"},
		&cobra.Group{ID: "view", Title: "Viewing:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: <data-dir>/config.toml, then ~/.config/linkhive/config.toml)")
	pf.String("data-dir", "", "Replica data directory")
	pf.String("device-id", "", "Override the stored device identity")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.Bool("json", false, "Output as JSON")

	if err := config.BindFlags(v, pf, "data-dir", "device-id"); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("log.level", pf.Lookup("log-level")); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openRuntime opens the replica named by the configuration. The caller
// must Close it.
func openRuntime(ctx context.Context) (*core.Runtime, error) {
	r, err := core.Open(ctx, core.Options{
		DataDir:  cfg.DataDir,
		DeviceID: cfg.DeviceID,
		Logger:   logger,
	})
	if errors.Is(err, lockfile.ErrLocked) {
		return nil, fmt.Errorf("%s is in use by another lh process (is `lh serve` running?): %w", cfg.DataDir, err)
	}
	return r, err
}

// withRuntime runs fn against an open replica and closes it afterwards.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, r *core.Runtime) error) error {
	ctx := cmd.Context()
	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			logger.Warn("failed to close replica", slog.Any("error", cerr))
		}
	}()
	return fn(ctx, r)
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}

func outputJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

