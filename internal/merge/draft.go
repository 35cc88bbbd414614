// Package merge is the single write path for replicated entities.
//
// Local drafts and remote events both end up here. Each one is merged into
// the entity's JSON file by comparing vector clocks and per-field write
// stamps, written atomically to the filesystem of record, recorded in the
// event store, and projected into the query cache.
//
// An Applier is not safe for concurrent use. All calls are serialized by
// the sequential operation queue, which makes it the only writer of the
// filesystem of record and of the entity clock index.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/schema"
)

// ErrInvalidDraft is returned for drafts that cannot be applied as given.
var ErrInvalidDraft = errors.New("merge: invalid draft")

// OpKind is the closed set of local operation kinds.
type OpKind string

const (
	OpCreate    OpKind = "CREATE"
	OpUpdate    OpKind = "UPDATE"
	OpDelete    OpKind = "DELETE"
	OpTagAdd    OpKind = "TAG_ADD"
	OpTagRemove OpKind = "TAG_REMOVE"
	OpMove      OpKind = "MOVE"
)

// ParseOpKind parses an operation kind name.
func ParseOpKind(s string) (OpKind, error) {
	switch k := OpKind(s); k {
	case OpCreate, OpUpdate, OpDelete, OpTagAdd, OpTagRemove, OpMove:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown operation kind %q", ErrInvalidDraft, s)
}

// EventType maps the operation kind onto the replicated event type.
func (k OpKind) EventType() eventlog.EventType {
	switch k {
	case OpCreate:
		return eventlog.EventCreate
	case OpDelete:
		return eventlog.EventDelete
	}
	return eventlog.EventUpdate
}

// Draft is a proposed local change to one file of one entity.
type Draft struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Kind       OpKind            `json:"kind"`
	// Target defaults to meta, or to the tombstone for DELETE.
	Target schema.FileTarget `json:"target,omitempty"`
	// Payload is the full document for CREATE, the changed fields for
	// UPDATE, {"tagId"} for TAG_ADD and TAG_REMOVE, and the placement
	// fields for MOVE.
	Payload json.RawMessage `json:"payload,omitempty"`
	// HappenedAt defaults to the time the draft is applied.
	HappenedAt time.Time `json:"happenedAt,omitempty"`
}

// Outcome is how a merge ended.
type Outcome string

const (
	// Applied means the write changed (or created) a file.
	Applied Outcome = "applied"
	// Stale means the write is causally older than the stored file.
	Stale Outcome = "stale"
	// Duplicate means the write was already incorporated.
	Duplicate Outcome = "duplicate"
	// Tombstoned means the entity is deleted and the write was discarded.
	Tombstoned Outcome = "tombstoned"
	// Deferred means a remote event arrived ahead of an earlier event from
	// the same origin. It is held and merged once the gap is filled.
	Deferred Outcome = "deferred"
)

// Result reports one merged draft or event.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Event   *eventlog.Event `json:"event,omitempty"`
	// Fields lists the patch keys that took effect.
	Fields []string `json:"fields,omitempty"`
}

// compiled is a draft reduced to the event it will produce.
type compiled struct {
	eventType eventlog.EventType
	target    schema.FileTarget
	spec      *schema.Spec
	patch     schema.Patch
}

// compile validates a draft and turns it into an event type, file target
// and patch.
func compile(d Draft) (*compiled, error) {
	if !d.EntityType.IsValid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidDraft, d.EntityType)
	}
	if d.EntityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidDraft)
	}
	if _, err := ParseOpKind(string(d.Kind)); err != nil {
		return nil, err
	}

	c := &compiled{eventType: d.Kind.EventType(), target: d.Target}
	if c.target == "" {
		c.target = schema.TargetMeta
		if d.Kind == OpDelete {
			c.target = schema.TargetDeleted
		}
	}

	if d.Kind == OpDelete {
		if c.target != schema.TargetDeleted {
			return nil, fmt.Errorf("%w: DELETE applies to the whole entity, not %q", ErrInvalidDraft, c.target)
		}
		c.patch = schema.Patch{}
		return c, nil
	}

	spec, err := schema.Lookup(d.EntityType, c.target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	c.spec = spec

	payload, err := schema.ParsePatch(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	switch d.Kind {
	case OpCreate:
		if err := payload.Check(spec, true); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
		}
		c.patch = payload
	case OpUpdate:
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: UPDATE has no fields", ErrInvalidDraft)
		}
		if err := payload.Check(spec, false); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
		}
		c.patch = payload
	case OpMove:
		if err := checkMove(d.EntityType, c.target, payload); err != nil {
			return nil, err
		}
		c.patch = payload
	case OpTagAdd, OpTagRemove:
		if d.EntityType != schema.TypeBookmark || c.target != schema.TargetMeta {
			return nil, fmt.Errorf("%w: %s applies to bookmark meta only", ErrInvalidDraft, d.Kind)
		}
		var body struct {
			TagID string `json:"tagId"`
		}
		if err := json.Unmarshal(d.Payload, &body); err != nil || body.TagID == "" {
			return nil, fmt.Errorf("%w: %s payload needs a tagId", ErrInvalidDraft, d.Kind)
		}
		present := "true"
		if d.Kind == OpTagRemove {
			present = "false"
		}
		c.patch = schema.Patch{"tagIds." + body.TagID: json.RawMessage(present)}
	}
	return c, nil
}

// checkMove accepts only placement fields: parentId and order for folders,
// folderId and order for bookmarks.
func checkMove(t schema.EntityType, target schema.FileTarget, p schema.Patch) error {
	if target != schema.TargetMeta {
		return fmt.Errorf("%w: MOVE applies to meta only", ErrInvalidDraft)
	}
	var allowed map[string]bool
	switch t {
	case schema.TypeFolder:
		allowed = map[string]bool{"parentId": true, "order": true}
	case schema.TypeBookmark:
		allowed = map[string]bool{"folderId": true, "order": true}
	default:
		return fmt.Errorf("%w: %s cannot be moved", ErrInvalidDraft, t)
	}
	if len(p) == 0 {
		return fmt.Errorf("%w: MOVE has no placement fields", ErrInvalidDraft)
	}
	for _, k := range p.Keys() {
		if !allowed[k] {
			return fmt.Errorf("%w: MOVE of %s cannot set %q", ErrInvalidDraft, t, k)
		}
	}
	return nil
}

// docID returns the ID stored inside the document for target.
func docID(entityID string, target schema.FileTarget) string {
	if hid, ok := target.HighlightID(); ok {
		return hid
	}
	return entityID
}
