package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linkhive/linkhive/internal/config"
	"github.com/linkhive/linkhive/internal/core"
	"github.com/linkhive/linkhive/internal/transport"
	"github.com/linkhive/linkhive/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve the replica to peers and keep it in sync",
	Long: `Start the sync server and keep running until interrupted.

While serving, lh:
  1. Accepts peer connections on ws://<listen>/sync
  2. Pushes every new local or remote change to connected peers
  3. Watches the records directory and reloads entities edited by hand
  4. Syncs with the configured peers on start and every --sync-interval

Example usage:
  lh serve                          # Listen on :7420
  lh serve --listen 127.0.0.1:9000  # Custom address
  lh serve --peer desktop.local     # Also pull from and push to a peer

Health check:
  http://<listen>/health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return withRuntime(cmd, func(_ context.Context, r *core.Runtime) error {
			fmt.Printf("%s Serving replica %s\n", ui.RenderAccent("●"), r.DeviceID())
			fmt.Printf("   Data:    %s\n", cfg.DataDir)

			err := r.Serve(ctx, core.ServeOptions{
				Listen:       cfg.Listen,
				Watch:        cfg.Watch,
				Debounce:     cfg.Debounce,
				Peers:        cfg.Peers,
				SyncInterval: cfg.SyncInterval,
				Ready: func(srv *transport.Server) {
					fmt.Printf("   Sync:    %s\n", srv.URL())
					fmt.Printf("   Health:  http://%s/health\n", srv.Addr())
					if cfg.Watch {
						fmt.Printf("   Watching %s\n", r.Store().Root())
					}
					for _, p := range cfg.Peers {
						fmt.Printf("   Peer:    %s\n", p)
					}
					fmt.Println("\nPress Ctrl+C to stop...")
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("\n%s Stopped\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync [peer...]",
	GroupID: "sync",
	Short:   "Exchange changes with peers once",
	Long: `Connect to each peer, send the changes it has not seen and merge the
changes this replica has not seen. Without arguments the configured peers
are used.

A peer is host:port, http(s)://host:port or ws(s)://host:port/sync.

Use --full to ask peers for their entire history instead of only what is
newer than this replica's cursors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		peers := args
		if len(peers) == 0 {
			peers = cfg.Peers
		}
		if len(peers) == 0 {
			return fmt.Errorf("no peers given and none configured (set peers in %s)", config.FileName)
		}

		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			var summaries []transport.Summary
			failed := 0
			for _, peer := range peers {
				s, err := r.SyncWith(ctx, peer, full)
				summaries = append(summaries, s)
				if err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
					continue
				}
				if !jsonOutput(cmd) {
					fmt.Printf("%s %s  received %d, sent %d, acknowledged %d\n",
						ui.RenderPass("✓"), s.Peer, s.Received, s.Sent, s.Acked)
				}
			}
			if jsonOutput(cmd) {
				if err := outputJSON(os.Stdout, summaries); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d peers failed", failed, len(peers))
			}
			return nil
		})
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default :7420)")
	serveCmd.Flags().Bool("watch", true, "Reload records edited outside lh")
	serveCmd.Flags().Duration("debounce", 0, "Quiet period before reloading an edited record")
	serveCmd.Flags().Duration("sync-interval", 0, "Time between peer syncs; negative syncs once")
	serveCmd.Flags().StringSlice("peer", nil, "Peer to sync with (repeatable)")
	if err := config.BindFlags(v, serveCmd.Flags(), "listen", "watch", "debounce", "sync-interval"); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("peers", serveCmd.Flags().Lookup("peer")); err != nil {
		panic(err)
	}

	syncCmd.Flags().Bool("full", false, "Request the peer's whole history")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
}
