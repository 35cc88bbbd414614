package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/linkhive/linkhive/internal/cachesync"
	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/record"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

// createKey is the stamp key recording which CREATE gave a document its
// identity fields.
const createKey = "createdAt"

// Change is passed to Config.Notify after every merge that newly recorded
// an event, and after a deferred projection finally succeeded (Event is
// nil then).
type Change struct {
	Type    schema.EntityType
	ID      string
	Event   *eventlog.Event
	Outcome Outcome
	Local   bool
}

// Config holds the collaborators of an Applier.
type Config struct {
	Store  *record.Store
	Cache  *db.DB
	Events *eventlog.Log
	// Syncer projects files into the cache. Defaults to a cachesync
	// syncer over Store and Cache.
	Syncer cachesync.Syncer
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Notify is called synchronously from the applying goroutine.
	Notify func(Change)
}

type entityKey struct {
	t  schema.EntityType
	id string
}

// Applier merges drafts and remote events into the filesystem of record.
type Applier struct {
	store  *record.Store
	cache  *db.DB
	events *eventlog.Log
	syncer cachesync.Syncer
	logger *slog.Logger
	now    func() time.Time
	notify func(Change)
	device string

	// dirty holds entities whose files changed but whose projection failed.
	dirty map[entityKey]struct{}
	// parked holds remote events per origin and sequence number that
	// arrived before a predecessor.
	parked map[string]map[int64]*eventlog.Event
}

// New creates an Applier.
func New(cfg Config) (*Applier, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Events == nil {
		return nil, fmt.Errorf("merge: store, cache and event log are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "merge"))
	}
	if cfg.Syncer == nil {
		cfg.Syncer = cachesync.New(cfg.Store, cfg.Cache, cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Change) {}
	}
	return &Applier{
		store:  cfg.Store,
		cache:  cfg.Cache,
		events: cfg.Events,
		syncer: cfg.Syncer,
		logger: cfg.Logger,
		now:    cfg.Now,
		notify: cfg.Notify,
		device: cfg.Events.DeviceID(),
		dirty:  make(map[entityKey]struct{}),
		parked: make(map[string]map[int64]*eventlog.Event),
	}, nil
}

// DeviceID returns the device this applier stamps local writes with.
func (a *Applier) DeviceID() string {
	return a.device
}

// ApplyLocal merges a batch of local drafts in order. The first draft that
// is invalid or cannot be written aborts the rest of the batch; results of
// the drafts before it are returned with the error.
func (a *Applier) ApplyLocal(ctx context.Context, drafts []Draft) ([]Result, error) {
	a.catchUp(ctx)

	results := make([]Result, 0, len(drafts))
	for i, d := range drafts {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := a.applyDraft(ctx, d)
		if err != nil {
			return results, fmt.Errorf("draft %d (%s %s %s): %w", i, d.Kind, d.EntityType, d.EntityID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Applier) applyDraft(ctx context.Context, d Draft) (Result, error) {
	c, err := compile(d)
	if err != nil {
		return Result{}, err
	}
	at := d.HappenedAt
	if at.IsZero() {
		at = a.now()
	}
	at = at.Round(0).UTC()

	dead, err := a.store.IsTombstoned(d.EntityType, d.EntityID)
	if err != nil {
		return Result{}, err
	}
	if dead && d.Kind == OpDelete {
		return Result{Outcome: Duplicate}, nil
	}
	if dead {
		a.logger.Debug("discarded write to deleted entity",
			slog.String("type", string(d.EntityType)), slog.String("id", d.EntityID), slog.String("kind", string(d.Kind)))
		return Result{Outcome: Tombstoned}, nil
	}

	if c.eventType == eventlog.EventDelete {
		return a.localDelete(ctx, d, at)
	}

	cur, err := a.store.ReadDoc(d.EntityType, d.EntityID, c.target)
	exists := err == nil
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return Result{}, err
	}

	id := docID(d.EntityID, c.target)
	stamp := schema.Stamp{At: at, Device: a.device}
	var base schema.Document
	patch := c.patch
	eventPayload := c.patch

	switch {
	case d.Kind == OpCreate && exists:
		return Result{}, fmt.Errorf("%w: %s %s already has a %s document", ErrInvalidDraft, d.EntityType, d.EntityID, c.target)
	case d.Kind == OpCreate:
		if c.target != schema.TargetMeta {
			if _, err := a.store.Read(d.EntityType, d.EntityID, schema.TargetMeta); err != nil {
				if errors.Is(err, record.ErrNotFound) {
					return Result{}, fmt.Errorf("%w: %s %s does not exist", ErrInvalidDraft, d.EntityType, d.EntityID)
				}
				return Result{}, err
			}
		}
		fresh, rest, err := schema.NewFromCreate(c.spec, id, c.patch, at)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
		}
		claimIdentity(fresh, fresh, stamp)
		base, patch = fresh, rest
		eventPayload = withCreatedAt(c.patch, at)
	case !exists:
		return Result{}, fmt.Errorf("%w: %s %s has no %s document", ErrInvalidDraft, d.EntityType, d.EntityID, c.target)
	default:
		base = cur
		// A later local write must outrank every stamp it overwrites, even
		// when the wall clock went backwards.
		if latest := base.Head().Stamps.Latest(patch.Keys()...); !latest.Less(stamp) {
			stamp.At = latest.At.Add(time.Nanosecond)
		}
	}

	merged, applied, err := schema.Apply(c.spec, base, patch, stamp)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	clock := vclock.Increment(base.Head().Clock, a.device)
	merged.Head().Clock = clock

	ev := &eventlog.Event{
		EventID:      uuid.NewString(),
		OriginDevice: a.device,
		ObjectID:     d.EntityID,
		ObjectType:   d.EntityType,
		EventType:    c.eventType,
		FileTarget:   c.target,
		Payload:      eventPayload.JSON(),
		Clock:        clock,
		Timestamp:    stamp.At,
	}
	j := &journal{Event: ev, Op: a.opEntry(d, ev, at)}

	err = a.commit(ctx, j, clock, Applied, func() error {
		return a.store.WriteDoc(d.EntityType, d.EntityID, c.target, merged)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Applied, Event: ev, Fields: applied}, nil
}

func (a *Applier) localDelete(ctx context.Context, d Draft, at time.Time) (Result, error) {
	all, err := a.fileClock(d.EntityType, d.EntityID)
	if err != nil {
		return Result{}, err
	}
	clock := vclock.Increment(all, a.device)

	ev := &eventlog.Event{
		EventID:      uuid.NewString(),
		OriginDevice: a.device,
		ObjectID:     d.EntityID,
		ObjectType:   d.EntityType,
		EventType:    eventlog.EventDelete,
		FileTarget:   schema.TargetDeleted,
		Payload:      json.RawMessage("{}"),
		Clock:        clock,
		Timestamp:    at,
	}
	tomb := &schema.Deleted{ID: d.EntityID, DeletedAt: at, DeviceID: a.device, Clock: clock}
	j := &journal{Event: ev, Op: a.opEntry(d, ev, at)}

	err = a.commit(ctx, j, clock, Applied, func() error {
		return a.store.WriteTombstone(d.EntityType, d.EntityID, tomb)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Applied, Event: ev}, nil
}

func (a *Applier) opEntry(d Draft, ev *eventlog.Event, at time.Time) *eventlog.OpLogEntry {
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return &eventlog.OpLogEntry{
		OpID:       uuid.NewString(),
		OriginSeq:  ev.OriginSeq,
		DeviceID:   a.device,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Kind:       string(d.Kind),
		Target:     ev.FileTarget,
		Payload:    payload,
		Clock:      ev.Clock,
		HappenedAt: at,
		EventID:    ev.EventID,
	}
}

// fileClock merges the clocks of every file of a live entity.
func (a *Applier) fileClock(t schema.EntityType, id string) (vclock.Clock, error) {
	targets, err := a.store.Targets(t, id)
	if err != nil {
		return nil, err
	}
	all := vclock.Clock{}
	for _, target := range targets {
		doc, err := a.store.ReadDoc(t, id, target)
		if err != nil {
			return nil, err
		}
		all = vclock.Merge(all, doc.Head().Clock)
	}
	return all, nil
}

// commit runs the durable part of a merge: journal, file write, then
// finish. A failed file write aborts and drops the journal. Once the file
// is written the merge is durable; later failures leave the journal for
// Recover.
func (a *Applier) commit(ctx context.Context, j *journal, fileClock vclock.Clock, outcome Outcome, write func() error) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}
	if err := a.store.WriteJournal(j.Event.EventID, data); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := write(); err != nil {
		if rmErr := a.store.RemoveJournal(j.Event.EventID); rmErr != nil {
			a.logger.Warn("failed to drop journal", slog.String("event", j.Event.EventID), slog.Any("error", rmErr))
		}
		return err
	}

	if err := a.finish(ctx, j, fileClock, outcome, false); err != nil {
		a.logger.Warn("merge written but not fully recorded; will retry",
			slog.String("event", j.Event.EventID), slog.Any("error", err))
	}
	return nil
}

// finish completes a written merge: event store, entity clock, cache
// projection, notification and journal removal. Every step is idempotent.
// A local event gets its origin sequence number from the event store, so
// that step runs first. Recovery notifies even when the event was already
// recorded, since the earlier attempt may have stopped before notifying.
func (a *Applier) finish(ctx context.Context, j *journal, fileClock vclock.Clock, outcome Outcome, recovered bool) error {
	ev := j.Event
	var inserted bool
	var err error
	if j.Op != nil {
		inserted, err = a.events.AppendLocal(ctx, j.Op, ev)
	} else {
		inserted, err = a.events.RecordRemote(ctx, ev)
	}
	if err != nil {
		return err
	}

	target := ev.FileTarget
	if ev.EventType == eventlog.EventDelete {
		target = schema.TargetDeleted
	}
	w := db.Writer{Device: ev.OriginDevice, Seq: ev.OriginSeq}
	if err := a.cache.PutEntityClock(ctx, ev.ObjectType, ev.ObjectID, target, fileClock, w); err != nil {
		return err
	}

	a.project(ctx, ev.ObjectType, ev.ObjectID)
	if inserted || recovered {
		a.notify(Change{Type: ev.ObjectType, ID: ev.ObjectID, Event: ev, Outcome: outcome, Local: j.Op != nil})
	}
	return a.store.RemoveJournal(ev.EventID)
}

// record stores a remote event that changed no file.
func (a *Applier) record(ctx context.Context, ev *eventlog.Event, outcome Outcome) (Result, error) {
	inserted, err := a.events.RecordRemote(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if inserted {
		a.notify(Change{Type: ev.ObjectType, ID: ev.ObjectID, Event: ev, Outcome: outcome})
	}
	return Result{Outcome: outcome, Event: ev}, nil
}

// project refreshes the cache rows of an entity. A failure marks the
// entity dirty for a later retry.
func (a *Applier) project(ctx context.Context, t schema.EntityType, id string) {
	if err := a.syncer.Project(ctx, t, id); err != nil {
		a.logger.Warn("projection failed; entity marked dirty",
			slog.String("type", string(t)), slog.String("id", id), slog.Any("error", err))
		a.dirty[entityKey{t, id}] = struct{}{}
		return
	}
	delete(a.dirty, entityKey{t, id})
}

// Dirty returns the number of entities waiting for a projection retry.
func (a *Applier) Dirty() int {
	return len(a.dirty)
}

// catchUp finishes leftover journals, merges parked events whose
// predecessors were recorded meanwhile and retries dirty projections. It
// runs before every batch so a transient failure heals on the next call.
func (a *Applier) catchUp(ctx context.Context) {
	if _, err := a.Recover(ctx); err != nil {
		a.logger.Warn("journal recovery failed", slog.Any("error", err))
	}
	a.drainAll(ctx)
	for key := range a.dirty {
		if err := a.syncer.Project(ctx, key.t, key.id); err != nil {
			a.logger.Debug("projection retry failed",
				slog.String("type", string(key.t)), slog.String("id", key.id), slog.Any("error", err))
			continue
		}
		delete(a.dirty, key)
		a.notify(Change{Type: key.t, ID: key.id})
	}
}

// claimIdentity merges the identity fields of a CREATE into doc. The
// earliest creation time wins and a bookmark's kind follows the newest
// CREATE stamp, so a document first materialised from an UPDATE takes its
// identity from the CREATE whenever that arrives.
func claimIdentity(doc, src schema.Document, stamp schema.Stamp) {
	h := doc.Head()
	claimed, ok := h.Stamps[createKey]
	newer := !ok || claimed.Less(stamp)

	switch d := doc.(type) {
	case *schema.FolderMeta:
		d.CreatedAt = earliest(d.CreatedAt, src.(*schema.FolderMeta).CreatedAt)
	case *schema.TagMeta:
		d.CreatedAt = earliest(d.CreatedAt, src.(*schema.TagMeta).CreatedAt)
	case *schema.Highlight:
		d.CreatedAt = earliest(d.CreatedAt, src.(*schema.Highlight).CreatedAt)
	case *schema.BookmarkMeta:
		d.CreatedAt = earliest(d.CreatedAt, src.(*schema.BookmarkMeta).CreatedAt)
		if newer {
			d.Kind = src.(*schema.BookmarkMeta).Kind
		}
	}

	if newer {
		if h.Stamps == nil {
			h.Stamps = schema.Stamps{}
		}
		h.Stamps[createKey] = stamp
	}
}

// created reports whether a CREATE has been merged into doc.
func created(doc schema.Document) bool {
	_, ok := doc.Head().Stamps[createKey]
	return ok
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero() || a.Before(b):
		return a
	}
	return b
}

// withCreatedAt pins the creation time into a CREATE payload so every
// replica materialises the same document.
func withCreatedAt(p schema.Patch, at time.Time) schema.Patch {
	if _, ok := p["createdAt"]; ok {
		return p
	}
	out := make(schema.Patch, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	raw, err := json.Marshal(at)
	if err != nil {
		return p
	}
	out["createdAt"] = raw
	return out
}
