// Package queue provides the sequential operation queue: the single worker
// that runs every mutation of the replica, one at a time, in arrival order.
//
// Enqueue never blocks the caller. A failing item is recorded as the last
// error and the worker moves on to the next one. The queue lives for the
// whole process and is stopped once on shutdown.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned for work submitted to, or still pending in, a
// stopped queue.
var ErrStopped = errors.New("queue: stopped")

// Func is one unit of work. ctx is cancelled when the queue stops.
type Func func(ctx context.Context) error

type item struct {
	name string
	fn   Func
	done chan error // nil for fire-and-forget items
	at   time.Time
}

// Stats is a snapshot of the queue for observability.
type Stats struct {
	Depth       int       `json:"depth" yaml:"depth"`
	Current     string    `json:"current,omitempty" yaml:"current,omitempty"`
	LastError   string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty" yaml:"lastErrorAt,omitempty"`
	Processed   int64     `json:"processed" yaml:"processed"`
	Failed      int64     `json:"failed" yaml:"failed"`
}

// Config holds queue options.
type Config struct {
	// Logger for failed items; defaults to a component logger.
	Logger *slog.Logger
	// OnError is called from the worker after an item fails.
	OnError func(name string, err error)
}

// Queue is an unbounded single-worker FIFO.
type Queue struct {
	logger  *slog.Logger
	onError func(string, error)

	mu      sync.Mutex
	items   []*item
	current string
	stats   Stats
	running bool
	stopped bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Call Start to begin processing.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "queue"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:  cfg.Logger,
		onError: cfg.OnError,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker. Items enqueued earlier are processed first.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	if q.running {
		return fmt.Errorf("queue already running")
	}
	q.running = true
	q.wg.Add(1)
	go q.work()
	return nil
}

// Stop cancels the running item's context, waits for the worker to exit
// and fails every pending Submit with ErrStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range pending {
		if it.done != nil {
			it.done <- ErrStopped
		}
	}
	if len(pending) > 0 {
		q.logger.Warn("queue stopped with pending items", slog.Int("dropped", len(pending)))
	}
}

// Enqueue appends fn to the queue and returns immediately.
func (q *Queue) Enqueue(name string, fn Func) error {
	return q.push(&item{name: name, fn: fn})
}

// Submit enqueues fn and waits until it has run, returning its error. If
// ctx ends first, Submit returns ctx.Err() and the item still runs.
func (q *Queue) Submit(ctx context.Context, name string, fn Func) error {
	it := &item{name: name, fn: fn, done: make(chan error, 1)}
	if err := q.push(it); err != nil {
		return err
	}
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) push(it *item) error {
	it.at = time.Now()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Depth = len(q.items)
	s.Current = q.current
	return s
}

func (q *Queue) work() {
	defer q.wg.Done()

	for {
		it, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.run(it)
		if q.ctx.Err() != nil {
			return
		}
	}
}

// next pops the oldest item and marks it current.
func (q *Queue) next() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.current = it.name
	return it, true
}

func (q *Queue) run(it *item) {
	err := q.call(it)

	q.mu.Lock()
	q.current = ""
	q.stats.Processed++
	if err != nil {
		q.stats.Failed++
		q.stats.LastError = fmt.Sprintf("%s: %v", it.name, err)
		q.stats.LastErrorAt = time.Now()
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("queue item failed", slog.String("item", it.name), slog.Any("error", err))
		if q.onError != nil {
			q.onError(it.name, err)
		}
	} else {
		q.logger.Debug("queue item done", slog.String("item", it.name),
			slog.Duration("latency", time.Since(it.at)))
	}
	if it.done != nil {
		it.done <- err
	}
}

// call runs one item, turning a panic into an error so the worker survives.
func (q *Queue) call(it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return it.fn(q.ctx)
}
