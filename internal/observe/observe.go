// Package observe delivers cache state to readers as it changes.
//
// A subscription replays the current value when it is opened and receives
// a fresh value after every merge that touches the scope it watches. Only
// the newest value is kept for a slow reader: an observer always sees the
// latest state, never a backlog.
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/linkhive/linkhive/internal/schema"
)

// Key names one entity touched by a merge.
type Key struct {
	Type schema.EntityType
	ID   string
}

// Matcher decides whether a change to key affects a subscription.
type Matcher func(key Key) bool

// Entity matches changes to one entity.
func Entity(t schema.EntityType, id string) Matcher {
	return func(k Key) bool { return k.Type == t && k.ID == id }
}

// Types matches changes to any entity of the given types.
func Types(types ...schema.EntityType) Matcher {
	return func(k Key) bool {
		for _, t := range types {
			if k.Type == t {
				return true
			}
		}
		return false
	}
}

// Loader computes the current value of a subscription.
type Loader[T any] func(ctx context.Context) (T, error)

type watcher interface {
	matches(Key) bool
	refresh(ctx context.Context) error
	close()
}

// Registry tracks open subscriptions.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	next     uint64
	watchers map[uint64]watcher
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "observe"))
	}
	return &Registry{
		logger:   logger,
		watchers: make(map[uint64]watcher),
	}
}

// Subscription is one open observer. Values arrive on C; the channel is
// closed by Cancel or when the context given to Watch ends.
type Subscription[T any] struct {
	C <-chan T

	ch       chan T
	load     Loader[T]
	match    Matcher
	registry *Registry
	id       uint64
	stop     func() bool

	mu     sync.Mutex
	closed bool
	// issued numbers loads in the order they start; shown is the number
	// of the load whose value was delivered last. A load that finishes
	// after a later-started one is discarded.
	issued uint64
	shown  uint64
}

// Watch opens a subscription. The current value is loaded immediately and
// is the first value on C; a load error fails the call. The subscription
// is registered before that load, so a change published while it runs is
// not missed.
func Watch[T any](ctx context.Context, r *Registry, match Matcher, load Loader[T]) (*Subscription[T], error) {
	ch := make(chan T, 1)
	s := &Subscription[T]{C: ch, ch: ch, load: load, match: match, registry: r}

	r.mu.Lock()
	r.next++
	s.id = r.next
	r.watchers[s.id] = s
	r.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		r.remove(s.id)
		s.close()
		return nil, fmt.Errorf("failed to load initial state: %w", err)
	}

	s.stop = context.AfterFunc(ctx, s.Cancel)
	return s, nil
}

// Cancel closes the subscription. It is safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.registry.remove(s.id)
	if s.stop != nil {
		s.stop()
	}
	s.close()
}

// Latest returns the newest value if one is waiting, without blocking.
func (s *Subscription[T]) Latest() (T, bool) {
	select {
	case v, ok := <-s.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (s *Subscription[T]) matches(k Key) bool {
	return s.match(k)
}

func (s *Subscription[T]) refresh(ctx context.Context) error {
	s.mu.Lock()
	s.issued++
	ticket := s.issued
	s.mu.Unlock()

	v, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.push(ticket, v)
	return nil
}

// push replaces any unread value with v, unless a load that started after
// the one producing v was delivered already.
func (s *Subscription[T]) push(ticket uint64, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || ticket < s.shown {
		return
	}
	s.shown = ticket
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.watchers, id)
	r.mu.Unlock()
}

// Publish refreshes every subscription affected by any of keys, once each.
// A failing refresh is logged and leaves the previous value in place.
func (r *Registry) Publish(ctx context.Context, keys ...Key) {
	if len(keys) == 0 {
		return
	}

	r.mu.Lock()
	affected := make([]watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		for _, k := range keys {
			if w.matches(k) {
				affected = append(affected, w)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, w := range affected {
		if err := w.refresh(ctx); err != nil {
			r.logger.Warn("observer refresh failed", slog.Any("error", err))
		}
	}
}

// PublishAll refreshes every open subscription, after a change whose scope
// is unknown such as a cache rebuild.
func (r *Registry) PublishAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		all = append(all, w)
	}
	r.mu.Unlock()

	for _, w := range all {
		if err := w.refresh(ctx); err != nil {
			r.logger.Warn("observer refresh failed", slog.Any("error", err))
		}
	}
}

// Len returns the number of open subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// Close cancels every open subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.watchers
	r.watchers = make(map[uint64]watcher)
	r.mu.Unlock()

	for _, w := range all {
		w.close()
	}
}
