package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkhive/linkhive/internal/daemon"
	"github.com/linkhive/linkhive/internal/transport"
)

// ServeOptions configures Serve.
type ServeOptions struct {
	// Listen is the sync server address (default ":7420").
	Listen string
	// Watch enables the filesystem watcher.
	Watch bool
	// Debounce is the watcher's quiet period.
	Debounce time.Duration
	// Peers are synced with on start and then every SyncInterval.
	Peers []string
	// SyncInterval between peer exchanges (default: 5 minutes; negative
	// disables periodic exchanges).
	SyncInterval time.Duration
	// Ready, when set, receives the server once it listens.
	Ready func(*transport.Server)
}

// DefaultListen is the default sync server address.
const DefaultListen = ":7420"

// Serve runs the sync server, the filesystem watcher and periodic peer
// exchanges until ctx is cancelled.
func (r *Runtime) Serve(ctx context.Context, opts ServeOptions) error {
	if err := r.live(); err != nil {
		return err
	}
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 5 * time.Minute
	}

	srv, err := transport.NewServer(transport.ServerConfig{
		Addr:    opts.Listen,
		Handler: r,
		Logger:  component(r.opts.Logger, "transport"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	r.serverMu.Lock()
	r.server = srv
	r.serverMu.Unlock()
	defer func() {
		r.serverMu.Lock()
		r.server = nil
		r.serverMu.Unlock()
		if err := srv.Stop(); err != nil {
			r.logger.Warn("sync server did not stop cleanly", slog.Any("error", err))
		}
	}()
	if opts.Ready != nil {
		opts.Ready(srv)
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.Watch {
		w, err := daemon.New(daemon.Config{
			Root:             r.store.Root(),
			Locate:           r.store.Locate,
			Reproject:        r.Reproject,
			DebounceInterval: opts.Debounce,
			Logger:           component(r.opts.Logger, "watcher"),
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	for _, peer := range opts.Peers {
		peer := peer
		g.Go(func() error {
			r.syncLoop(ctx, peer, opts.SyncInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// syncLoop exchanges with one peer now and then on every tick. Failures
// are logged; there is no backoff beyond the interval.
func (r *Runtime) syncLoop(ctx context.Context, peer string, interval time.Duration) {
	for {
		if _, err := r.SyncWith(ctx, peer, false); err != nil && ctx.Err() == nil {
			r.logger.Warn("peer sync failed", slog.String("peer", peer), slog.Any("error", err))
		}
		if interval < 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// SyncWith runs one exchange with a peer server. With full set the peer
// resends its whole log.
func (r *Runtime) SyncWith(ctx context.Context, peer string, full bool) (transport.Summary, error) {
	if err := r.live(); err != nil {
		return transport.Summary{}, err
	}
	summary, err := transport.Sync(ctx, peer, transport.ClientConfig{
		Handler: r,
		Logger:  component(r.opts.Logger, "transport"),
		Full:    full,
	})
	if err != nil {
		return summary, fmt.Errorf("sync with %s: %w", peer, err)
	}
	return summary, nil
}
