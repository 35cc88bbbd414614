// Package daemon watches the filesystem of record for changes made outside
// this process (a file manager, a restore from backup, a cloud folder
// client) and refreshes the cache rows of the affected entities.
//
// fsnotify watches are not recursive, so every directory under the root is
// added on start and new directories are added as they appear. Changes are
// debounced per entity: a burst of writes to one entity directory results
// in a single reprojection once the directory has been quiet for the
// debounce interval.
package daemon

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/linkhive/linkhive/internal/schema"
)

// Config holds configuration for the watcher.
type Config struct {
	// Root is the filesystem-of-record root directory.
	Root string

	// Locate maps a changed path to its entity. Paths it rejects are
	// ignored.
	Locate func(path string) (schema.EntityType, string, bool)

	// Reproject is called once per changed entity after the debounce
	// interval. It must not block for long; the production callback only
	// enqueues work.
	Reproject func(ctx context.Context, t schema.EntityType, id string) error

	// DebounceInterval is how long an entity must be quiet before it is
	// reprojected (default: 250ms).
	DebounceInterval time.Duration

	// Logger defaults to a component logger.
	Logger *slog.Logger
}

type entityKey struct {
	t  schema.EntityType
	id string
}

// Watcher reprojects entities whose files change on disk.
type Watcher struct {
	config  Config
	watcher *fsnotify.Watcher

	changeQueue   map[entityKey]time.Time
	changeQueueMu sync.Mutex

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a watcher. Run starts it.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if cfg.Locate == nil || cfg.Reproject == nil {
		return nil, fmt.Errorf("locate and reproject callbacks are required")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "watcher"))
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		config:      cfg,
		watcher:     fw,
		changeQueue: make(map[entityKey]time.Time),
	}, nil
}

// Run watches until ctx is cancelled, then releases the watcher. Pending
// changes are flushed before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.config.Logger.Warn("error closing watcher", slog.Any("error", err))
		}
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.addTree(w.config.Root); err != nil {
		return err
	}
	w.config.Logger.Info("watching filesystem of record", slog.String("root", w.config.Root))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.wg.Add(2)
	go w.watchFileEvents(runCtx)
	go w.processChangeQueue(runCtx)

	<-ctx.Done()
	cancel()
	w.wg.Wait()

	// Changes seen just before shutdown still reach the cache.
	w.processPendingChanges(context.WithoutCancel(ctx), true)
	return nil
}

// IsRunning returns true while Run is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Pending returns the number of entities waiting for their debounce.
func (w *Watcher) Pending() int {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	return len(w.changeQueue)
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && ignored(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// ignored reports whether a path belongs to this process's own
// bookkeeping: temporary files of atomic writes and the commit journal.
func ignored(p string) bool {
	base := filepath.Base(p)
	return strings.HasPrefix(base, ".")
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ignored(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.config.Logger.Warn("failed to watch new directory", slog.String("path", event.Name), slog.Any("error", err))
			}
		}
	}

	t, id, ok := w.config.Locate(event.Name)
	if !ok {
		return
	}
	w.config.Logger.Debug("file event", slog.String("op", event.Op.String()), slog.String("path", event.Name))
	w.queueChange(entityKey{t, id})
}

// queueChange (re)starts the debounce of an entity.
func (w *Watcher) queueChange(key entityKey) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[key] = time.Now()
}

// processChangeQueue processes queued changes with debouncing.
func (w *Watcher) processChangeQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges(ctx, false)
		}
	}
}

// processPendingChanges reprojects entities that have been quiet for long
// enough, or every queued entity when flush is set.
func (w *Watcher) processPendingChanges(ctx context.Context, flush bool) {
	now := time.Now()

	w.changeQueueMu.Lock()
	var ready []entityKey
	for key, queuedAt := range w.changeQueue {
		if !flush && now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, key)
		delete(w.changeQueue, key)
	}
	w.changeQueueMu.Unlock()

	for _, key := range ready {
		if err := w.config.Reproject(ctx, key.t, key.id); err != nil {
			w.config.Logger.Warn("failed to reproject changed entity",
				slog.String("type", string(key.t)), slog.String("id", key.id), slog.Any("error", err))
		}
	}
}
