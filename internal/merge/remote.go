package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/record"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

// ErrInvalidEvent is returned for remote events that are malformed.
var ErrInvalidEvent = errors.New("merge: invalid event")

// maxParked bounds the events held per origin while waiting for a gap to
// fill. Events beyond it are dropped; the cursor still points below them,
// so the next sync delivers them again.
const maxParked = 4096

// ApplyRemote merges one event received from a peer. Events of one origin
// are merged in origin sequence order: an event that arrives ahead of a
// missing predecessor is held and merged as soon as the predecessor is.
// Every event that passes validation is recorded in the event store
// whatever its outcome, so it is relayed to other peers and never
// requested again.
func (a *Applier) ApplyRemote(ctx context.Context, ev *eventlog.Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.Timestamp = ev.Timestamp.Round(0).UTC()

	a.catchUp(ctx)

	known, err := a.events.HasEvent(ctx, ev.EventID)
	if err != nil {
		return Result{}, err
	}
	if known {
		return Result{Outcome: Duplicate, Event: ev}, nil
	}

	cursor, err := a.events.Cursor(ctx, ev.OriginDevice)
	if err != nil {
		return Result{}, err
	}
	if ev.OriginSeq > cursor+1 {
		a.park(ev)
		return Result{Outcome: Deferred, Event: ev}, nil
	}

	res, err := a.mergeRemote(ctx, ev)
	if err != nil && !errors.Is(err, ErrInvalidEvent) {
		return res, err
	}
	a.drain(ctx, ev.OriginDevice)
	return res, err
}

func (a *Applier) park(ev *eventlog.Event) {
	q := a.parked[ev.OriginDevice]
	if q == nil {
		q = make(map[int64]*eventlog.Event)
		a.parked[ev.OriginDevice] = q
	}
	if _, ok := q[ev.OriginSeq]; !ok && len(q) >= maxParked {
		a.logger.Debug("parking limit reached; event dropped until next sync",
			slog.String("event", ev.EventID), slog.String("origin", ev.OriginDevice), slog.Int64("seq", ev.OriginSeq))
		return
	}
	q[ev.OriginSeq] = ev
	a.logger.Debug("parked event ahead of its origin's cursor",
		slog.String("event", ev.EventID), slog.String("origin", ev.OriginDevice), slog.Int64("seq", ev.OriginSeq))
}

// drain merges the parked events of an origin that its cursor has reached.
// A merge that fails leaves the cursor below the event, so dropping it
// from the queue only means the next sync delivers it again.
func (a *Applier) drain(ctx context.Context, origin string) {
	for {
		q := a.parked[origin]
		if len(q) == 0 {
			delete(a.parked, origin)
			return
		}
		cursor, err := a.events.Cursor(ctx, origin)
		if err != nil {
			a.logger.Warn("cannot read cursor; parked events wait", slog.String("origin", origin), slog.Any("error", err))
			return
		}
		for seq := range q {
			if seq <= cursor {
				delete(q, seq)
			}
		}
		ev, ok := q[cursor+1]
		if !ok {
			return
		}
		delete(q, cursor+1)

		if known, err := a.events.HasEvent(ctx, ev.EventID); err != nil || known {
			continue
		}
		if _, err := a.mergeRemote(ctx, ev); err != nil {
			a.logger.Warn("parked event failed to merge",
				slog.String("event", ev.EventID), slog.String("origin", origin), slog.Any("error", err))
			if !errors.Is(err, ErrInvalidEvent) {
				return
			}
		}
	}
}

// drainAll offers every origin with parked events another merge attempt.
func (a *Applier) drainAll(ctx context.Context) {
	for origin := range a.parked {
		a.drain(ctx, origin)
	}
}

// Parked returns the number of remote events held for a missing
// predecessor.
func (a *Applier) Parked() int {
	n := 0
	for _, q := range a.parked {
		n += len(q)
	}
	return n
}

// mergeRemote merges an event that is next in its origin's order.
func (a *Applier) mergeRemote(ctx context.Context, ev *eventlog.Event) (Result, error) {
	if ev.EventType != eventlog.EventDelete {
		if _, err := schema.Lookup(ev.ObjectType, ev.FileTarget); err != nil {
			return a.reject(ctx, ev, err)
		}
	}

	dead, err := a.store.IsTombstoned(ev.ObjectType, ev.ObjectID)
	if err != nil {
		return Result{}, err
	}
	if dead {
		outcome := Tombstoned
		if ev.EventType == eventlog.EventDelete {
			outcome = Duplicate
		} else {
			a.logger.Debug("discarded remote write to deleted entity",
				slog.String("event", ev.EventID), slog.String("type", string(ev.ObjectType)), slog.String("id", ev.ObjectID))
		}
		return a.record(ctx, ev, outcome)
	}

	if ev.EventType == eventlog.EventDelete {
		return a.remoteDelete(ctx, ev)
	}

	// The entity clock index answers most replays without reading files.
	// A CREATE may still be needed by a document started from an UPDATE,
	// so it always reaches the file.
	entry, ok, err := a.cache.EntityClock(ctx, ev.ObjectType, ev.ObjectID, ev.FileTarget)
	if err != nil {
		return Result{}, err
	}
	if ok && ev.EventType == eventlog.EventUpdate {
		switch vclock.Compare(ev.Clock, entry.Clock) {
		case vclock.Before:
			return a.record(ctx, ev, Stale)
		case vclock.Equal:
			return a.record(ctx, ev, Duplicate)
		}
	}

	return a.remoteWrite(ctx, ev)
}

// reject records an event whose content cannot be merged, so the origin's
// cursor moves past it, and reports it as invalid.
func (a *Applier) reject(ctx context.Context, ev *eventlog.Event, cause error) (Result, error) {
	if _, err := a.events.RecordRemote(ctx, ev); err != nil {
		return Result{}, err
	}
	return Result{Event: ev}, fmt.Errorf("%w: %v", ErrInvalidEvent, cause)
}

func (a *Applier) remoteDelete(ctx context.Context, ev *eventlog.Event) (Result, error) {
	all, err := a.fileClock(ev.ObjectType, ev.ObjectID)
	if err != nil {
		return Result{}, err
	}
	switch vclock.Compare(ev.Clock, all) {
	case vclock.Before:
		return a.record(ctx, ev, Stale)
	case vclock.Equal:
		return a.record(ctx, ev, Duplicate)
	}

	clock := vclock.Merge(all, ev.Clock)
	tomb := &schema.Deleted{ID: ev.ObjectID, DeletedAt: ev.Timestamp, DeviceID: ev.OriginDevice, Clock: clock}
	err = a.commit(ctx, &journal{Event: ev}, clock, Applied, func() error {
		return a.store.WriteTombstone(ev.ObjectType, ev.ObjectID, tomb)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Applied, Event: ev}, nil
}

func (a *Applier) remoteWrite(ctx context.Context, ev *eventlog.Event) (Result, error) {
	spec, err := schema.Lookup(ev.ObjectType, ev.FileTarget)
	if err != nil {
		return a.reject(ctx, ev, err)
	}
	payload, err := schema.ParsePatch(ev.Payload)
	if err != nil {
		return a.reject(ctx, ev, err)
	}

	cur, err := a.store.ReadDoc(ev.ObjectType, ev.ObjectID, ev.FileTarget)
	exists := err == nil
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return Result{}, err
	}

	if exists && !(ev.EventType == eventlog.EventCreate && !created(cur)) {
		switch vclock.Compare(ev.Clock, cur.Head().Clock) {
		case vclock.Before:
			return a.record(ctx, ev, Stale)
		case vclock.Equal:
			return a.record(ctx, ev, Duplicate)
		}
	}

	id := docID(ev.ObjectID, ev.FileTarget)
	stamp := schema.Stamp{At: ev.Timestamp, Device: ev.OriginDevice}
	base := cur
	patch := payload

	// An UPDATE can overtake the CREATE of its document; the document is
	// then started empty and completed when the CREATE arrives.
	if !exists {
		base = spec.New(id, ev.Timestamp)
	}
	if ev.EventType == eventlog.EventCreate {
		fresh, rest, err := schema.NewFromCreate(spec, id, payload, ev.Timestamp)
		if err != nil {
			return a.reject(ctx, ev, err)
		}
		if !exists {
			base = fresh
		}
		claimIdentity(base, fresh, stamp)
		patch = rest
	}

	merged, applied, err := schema.Apply(spec, base, patch, stamp)
	if err != nil {
		return a.reject(ctx, ev, err)
	}
	clock := vclock.Merge(base.Head().Clock, ev.Clock)
	merged.Head().Clock = clock

	err = a.commit(ctx, &journal{Event: ev}, clock, Applied, func() error {
		return a.store.WriteDoc(ev.ObjectType, ev.ObjectID, ev.FileTarget, merged)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Applied, Event: ev, Fields: applied}, nil
}
