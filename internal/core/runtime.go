// Package core assembles a replica: the filesystem of record, the cache,
// the event store, the merge engine and the sequential queue that is the
// only writer of all of them.
//
// A Runtime is constructed explicitly with Open and torn down with Close;
// nothing in the process is global. Every mutation, local or remote, runs
// as one queue item, and observers and connected peers are notified once
// the item completes.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/linkhive/linkhive/internal/cachesync"
	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/lockfile"
	"github.com/linkhive/linkhive/internal/merge"
	"github.com/linkhive/linkhive/internal/observe"
	"github.com/linkhive/linkhive/internal/queue"
	"github.com/linkhive/linkhive/internal/record"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/transport"
)

// ErrClosed is returned by a Runtime after Close.
var ErrClosed = errors.New("core: runtime closed")

// File names inside the data directory.
const (
	RecordsDir = "records"
	CacheFile  = "cache.db"
	EventsFile = "events.db"
	LockFile   = "lh.lock"
)

// Options configures Open.
type Options struct {
	// DataDir holds the databases, the lock and, by default, the records.
	DataDir string
	// RecordsRoot overrides the filesystem-of-record root
	// (default: DataDir/records).
	RecordsRoot string
	// DeviceID overrides the stored replica identity.
	DeviceID string
	// Fs is the filesystem of record (default: the OS filesystem).
	Fs afero.Fs
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Syncer overrides cache projection; used in tests.
	Syncer cachesync.Syncer
}

// Runtime is an open replica.
type Runtime struct {
	opts   Options
	logger *slog.Logger

	lock      *lockfile.Lock
	store     *record.Store
	cache     *db.DB
	events    *eventlog.Log
	syncer    cachesync.Syncer
	applier   *merge.Applier
	queue     *queue.Queue
	observers *observe.Registry

	// touched and fresh are filled by the applier during a queue item and
	// drained when it ends. Only the queue worker touches them.
	touched []observe.Key
	fresh   []*eventlog.Event

	serverMu sync.RWMutex
	server   *transport.Server

	closeMu sync.RWMutex
	closed  bool
}

// Open opens or creates the replica in opts.DataDir. Leftover commit
// journals are recovered before Open returns, and a missing cache is
// rebuilt from the records.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if opts.RecordsRoot == "" {
		opts.RecordsRoot = filepath.Join(opts.DataDir, RecordsDir)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	r := &Runtime{opts: opts, logger: opts.Logger.With(slog.String("component", "core"))}
	ok := false
	defer func() {
		if !ok {
			r.release()
		}
	}()

	var err error
	if r.lock, err = lockfile.Acquire(filepath.Join(opts.DataDir, LockFile)); err != nil {
		return nil, err
	}
	if r.store, err = record.New(opts.Fs, opts.RecordsRoot); err != nil {
		return nil, fmt.Errorf("failed to open records: %w", err)
	}

	cachePath := filepath.Join(opts.DataDir, CacheFile)
	_, statErr := os.Stat(cachePath)
	freshCache := errors.Is(statErr, os.ErrNotExist)
	if r.cache, err = db.Open(ctx, cachePath, component(opts.Logger, "cache")); err != nil {
		return nil, err
	}
	if r.events, err = eventlog.Open(ctx, filepath.Join(opts.DataDir, EventsFile), opts.DeviceID, component(opts.Logger, "eventlog")); err != nil {
		return nil, err
	}

	r.syncer = opts.Syncer
	if r.syncer == nil {
		r.syncer = cachesync.New(r.store, r.cache, component(opts.Logger, "cachesync"))
	}
	if r.applier, err = merge.New(merge.Config{
		Store:  r.store,
		Cache:  r.cache,
		Events: r.events,
		Syncer: r.syncer,
		Logger: component(opts.Logger, "merge"),
		Now:    opts.Now,
		Notify: r.onChange,
	}); err != nil {
		return nil, err
	}

	r.observers = observe.NewRegistry(component(opts.Logger, "observe"))
	r.queue = queue.New(queue.Config{Logger: component(opts.Logger, "queue")})
	if err := r.queue.Start(); err != nil {
		return nil, err
	}

	err = r.queue.Submit(ctx, "open", r.item(func(ctx context.Context) error {
		if _, err := r.applier.Recover(ctx); err != nil {
			return fmt.Errorf("journal recovery failed: %w", err)
		}
		if freshCache {
			if _, err := r.syncer.Rebuild(ctx); err != nil {
				return fmt.Errorf("initial cache build failed: %w", err)
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	r.logger.Info("replica open", slog.String("device", r.events.DeviceID()),
		slog.String("data", opts.DataDir), slog.String("records", opts.RecordsRoot))
	ok = true
	return r, nil
}

func component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

// Close stops the queue, failing work still waiting in it, and closes the
// databases. It is safe to call more than once.
func (r *Runtime) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	return r.release()
}

func (r *Runtime) release() error {
	if r.queue != nil {
		r.queue.Stop()
	}
	if r.observers != nil {
		r.observers.Close()
	}
	var errs []error
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
	}
	if r.events != nil {
		errs = append(errs, r.events.Close())
	}
	if r.lock != nil {
		errs = append(errs, r.lock.Release())
	}
	return errors.Join(errs...)
}

// live returns ErrClosed once Close has been called.
func (r *Runtime) live() error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// DeviceID returns this replica's identity.
func (r *Runtime) DeviceID() string {
	return r.events.DeviceID()
}

// Store exposes the filesystem of record for read-only use.
func (r *Runtime) Store() *record.Store {
	return r.store
}

// Cache exposes the query cache for read-only use.
func (r *Runtime) Cache() *db.DB {
	return r.cache
}

// Events exposes the event store for read-only use.
func (r *Runtime) Events() *eventlog.Log {
	return r.events
}

// item wraps queue work so that observers and peers hear about every
// change the work made once it is complete.
func (r *Runtime) item(fn queue.Func) queue.Func {
	return func(ctx context.Context) error {
		err := fn(ctx)
		r.flush(ctx)
		return err
	}
}

// onChange collects applier notifications for the current queue item.
func (r *Runtime) onChange(c merge.Change) {
	r.touched = append(r.touched, observe.Key{Type: c.Type, ID: c.ID})
	if c.Event != nil {
		r.fresh = append(r.fresh, c.Event)
	}
}

func (r *Runtime) flush(ctx context.Context) {
	touched, fresh := r.touched, r.fresh
	r.touched, r.fresh = nil, nil

	ctx = context.WithoutCancel(ctx)
	r.observers.Publish(ctx, touched...)

	r.serverMu.RLock()
	srv := r.server
	r.serverMu.RUnlock()
	if srv == nil {
		return
	}
	for _, ev := range fresh {
		srv.Broadcast(ev)
	}
}

// submit runs fn on the queue and waits for it, mapping a stopped queue to
// ErrClosed.
func (r *Runtime) submit(ctx context.Context, name string, fn queue.Func) error {
	if err := r.live(); err != nil {
		return err
	}
	err := r.queue.Submit(ctx, name, r.item(fn))
	if errors.Is(err, queue.ErrStopped) {
		return ErrClosed
	}
	return err
}

// ApplyLocal applies drafts in order as one queue item and waits for it.
// The error is the invalid draft or I/O failure that aborted the batch;
// results of the drafts before it are still returned.
func (r *Runtime) ApplyLocal(ctx context.Context, drafts []merge.Draft) ([]merge.Result, error) {
	var (
		mu      sync.Mutex
		results []merge.Result
	)
	err := r.submit(ctx, draftsName(drafts), func(ctx context.Context) error {
		res, err := r.applier.ApplyLocal(ctx, drafts)
		mu.Lock()
		results = res
		mu.Unlock()
		return err
	})
	mu.Lock()
	defer mu.Unlock()
	return results, err
}

// Enqueue schedules drafts without waiting. A failure is visible through
// QueueStats.
func (r *Runtime) Enqueue(drafts []merge.Draft) error {
	if err := r.live(); err != nil {
		return err
	}
	err := r.queue.Enqueue(draftsName(drafts), r.item(func(ctx context.Context) error {
		_, err := r.applier.ApplyLocal(ctx, drafts)
		return err
	}))
	if errors.Is(err, queue.ErrStopped) {
		return ErrClosed
	}
	return err
}

func draftsName(drafts []merge.Draft) string {
	if len(drafts) == 1 {
		d := drafts[0]
		return fmt.Sprintf("%s %s %s", d.Kind, d.EntityType, d.EntityID)
	}
	return fmt.Sprintf("batch of %d drafts", len(drafts))
}

// ApplyRemote merges one event from a peer as a queue item.
func (r *Runtime) ApplyRemote(ctx context.Context, ev *eventlog.Event) (merge.Result, error) {
	var (
		mu  sync.Mutex
		res merge.Result
	)
	err := r.submit(ctx, "remote "+ev.EventID, func(ctx context.Context) error {
		out, err := r.applier.ApplyRemote(ctx, ev)
		mu.Lock()
		res = out
		mu.Unlock()
		return err
	})
	mu.Lock()
	defer mu.Unlock()
	return res, err
}

// Receive implements transport.Handler.
func (r *Runtime) Receive(ctx context.Context, ev *eventlog.Event) error {
	_, err := r.ApplyRemote(ctx, ev)
	return err
}

// Cursors implements transport.Handler.
func (r *Runtime) Cursors(ctx context.Context) (map[string]int64, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.events.Cursors(ctx)
}

// EventsSince returns recorded events above the given per-device cursors,
// in receipt order, paging after afterReceipt. It implements
// transport.Handler.
func (r *Runtime) EventsSince(ctx context.Context, cursors map[string]int64, afterReceipt int64, limit int) ([]eventlog.Event, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.events.EventsSince(ctx, cursors, afterReceipt, limit)
}

// PutAsset stores a binary asset beside an entity's documents. Assets are
// local to this replica and removed with the entity's tombstone.
func (r *Runtime) PutAsset(ctx context.Context, t schema.EntityType, id, name string, data []byte) error {
	return r.submit(ctx, fmt.Sprintf("asset %s %s %s", t, id, name), func(ctx context.Context) error {
		if _, err := r.store.ReadDoc(t, id, schema.TargetMeta); err != nil {
			if dead, derr := r.store.IsTombstoned(t, id); derr == nil && dead {
				return record.ErrTombstoned
			}
			return err
		}
		return r.store.WriteAsset(t, id, name, data)
	})
}

// Reproject refreshes the cache rows of one entity from its files. The
// filesystem watcher calls it for records edited outside this process.
func (r *Runtime) Reproject(ctx context.Context, t schema.EntityType, id string) error {
	if err := r.live(); err != nil {
		return err
	}
	err := r.queue.Enqueue(fmt.Sprintf("reproject %s %s", t, id), r.item(func(ctx context.Context) error {
		if err := r.syncer.Project(ctx, t, id); err != nil {
			return err
		}
		r.touched = append(r.touched, observe.Key{Type: t, ID: id})
		return nil
	}))
	if errors.Is(err, queue.ErrStopped) {
		return ErrClosed
	}
	return err
}

// RebuildCache wipes the cache and projects every record again. Every
// open observer receives a fresh value afterwards.
func (r *Runtime) RebuildCache(ctx context.Context) (cachesync.Report, error) {
	var (
		mu     sync.Mutex
		report cachesync.Report
	)
	err := r.submit(ctx, "rebuild cache", func(ctx context.Context) error {
		rep, err := r.syncer.Rebuild(ctx)
		mu.Lock()
		report = rep
		mu.Unlock()
		r.observers.PublishAll(context.WithoutCancel(ctx))
		return err
	})
	mu.Lock()
	defer mu.Unlock()
	return report, err
}

// QueueStats reports the state of the sequential queue.
func (r *Runtime) QueueStats() queue.Stats {
	return r.queue.Stats()
}
