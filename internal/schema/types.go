package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/linkhive/linkhive/internal/vclock"
)

// EntityType identifies one of the replicated entity families.
type EntityType string

const (
	// TypeFolder is a folder that holds bookmarks and other folders.
	TypeFolder EntityType = "folder"
	// TypeTag is a label that can be attached to bookmarks.
	TypeTag EntityType = "tag"
	// TypeBookmark is a saved link, note or image.
	TypeBookmark EntityType = "bookmark"
)

// EntityTypes lists every entity type in a stable order.
var EntityTypes = []EntityType{TypeFolder, TypeTag, TypeBookmark}

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case TypeFolder, TypeTag, TypeBookmark:
		return true
	}
	return false
}

// Plural returns the directory name used for the type on disk.
func (t EntityType) Plural() string {
	return string(t) + "s"
}

// ParseEntityType accepts either the singular or plural form.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// BookmarkKind is the closed set of bookmark variants.
type BookmarkKind string

const (
	// KindLink is a web link; its payload lives in link.json.
	KindLink BookmarkKind = "link"
	// KindNote is a free-text note stored in meta.json.
	KindNote BookmarkKind = "note"
	// KindImage is an image whose bytes are stored as an asset file.
	KindImage BookmarkKind = "image"
)

// IsValid reports whether k is a known bookmark kind.
func (k BookmarkKind) IsValid() bool {
	switch k {
	case KindLink, KindNote, KindImage:
		return true
	}
	return false
}

// FileTarget names which authoritative JSON file of an entity a write
// concerns: "meta", "link" or "annotation/<highlightId>". The tombstone
// target "deleted" is reserved for the merge engine.
type FileTarget string

const (
	// TargetMeta is the entity's meta.json.
	TargetMeta FileTarget = "meta"
	// TargetLink is a link bookmark's link.json.
	TargetLink FileTarget = "link"
	// TargetDeleted is the tombstone deleted.json.
	TargetDeleted FileTarget = "deleted"

	annotationPrefix = "annotation/"
)

// AnnotationTarget returns the file target of a bookmark highlight.
func AnnotationTarget(highlightID string) FileTarget {
	return FileTarget(annotationPrefix + highlightID)
}

// HighlightID returns the highlight ID of an annotation target.
func (f FileTarget) HighlightID() (string, bool) {
	if !strings.HasPrefix(string(f), annotationPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(string(f), annotationPrefix)
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return "", false
	}
	return id, true
}

// IsAnnotation reports whether f is a highlight target.
func (f FileTarget) IsAnnotation() bool {
	_, ok := f.HighlightID()
	return ok
}

// Stamp records which write last set a field: its wall-clock time and the
// device that made it. Stamps order writes for field-level last-writer-wins.
type Stamp struct {
	At     time.Time `json:"at"`
	Device string    `json:"device"`
}

// Less orders stamps by time, breaking exact ties by device ID.
func (s Stamp) Less(other Stamp) bool {
	if !s.At.Equal(other.At) {
		return s.At.Before(other.At)
	}
	return s.Device < other.Device
}

// Stamps maps a field name (or "field.element" for set members) to the
// write that last set it.
type Stamps map[string]Stamp

// Clone returns a copy of the stamps.
func (s Stamps) Clone() Stamps {
	out := make(Stamps, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Latest returns the newest stamp among the given keys, or the zero stamp.
func (s Stamps) Latest(keys ...string) Stamp {
	var latest Stamp
	for _, k := range keys {
		if st, ok := s[k]; ok && latest.Less(st) {
			latest = st
		}
	}
	return latest
}

// Header is embedded in every replicated document. It carries the
// document's vector clock and per-field write stamps.
type Header struct {
	Clock  vclock.Clock `json:"clock"`
	Stamps Stamps       `json:"stamps,omitempty"`
}

// Head returns the header itself so embedding types satisfy Document.
func (h *Header) Head() *Header {
	return h
}

// Document is one authoritative JSON file of an entity.
type Document interface {
	// DocID returns the document's own ID (entity ID, or highlight ID for annotations).
	DocID() string
	// Head returns the clock and stamps header.
	Head() *Header
	// Touch advances the document's edited-at time to at if it is later.
	Touch(at time.Time)
	// Validate checks field values.
	Validate() error
}

func touch(edited *time.Time, at time.Time) {
	if at.After(*edited) {
		*edited = at.UTC()
	}
}
