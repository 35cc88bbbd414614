package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkhive/linkhive/internal/vclock"
)

// Spec describes one kind of document: which entity type and file it
// belongs to, how to construct it, and which fields replicas may write.
type Spec struct {
	Type EntityType
	// Target is the file target; for annotations it is the bare prefix
	// "annotation" and the concrete ID is supplied per document.
	Target FileTarget
	// Mutable lists scalar fields that UPDATE patches may set.
	Mutable map[string]bool
	// Sets lists string-array fields replicated element by element.
	Sets map[string]bool
	// New returns an empty document with identity fields filled.
	New func(id string, createdAt time.Time) Document
}

func fields(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var (
	folderSpec = &Spec{
		Type:    TypeFolder,
		Target:  TargetMeta,
		Mutable: fields("label", "icon", "color", "order", "parentId"),
		New: func(id string, createdAt time.Time) Document {
			return &FolderMeta{ID: id, CreatedAt: createdAt.UTC(), EditedAt: createdAt.UTC()}
		},
	}
	tagSpec = &Spec{
		Type:    TypeTag,
		Target:  TargetMeta,
		Mutable: fields("label", "icon", "color"),
		New: func(id string, createdAt time.Time) Document {
			return &TagMeta{ID: id, CreatedAt: createdAt.UTC(), EditedAt: createdAt.UTC()}
		},
	}
	bookmarkSpec = &Spec{
		Type:    TypeBookmark,
		Target:  TargetMeta,
		Mutable: fields("label", "description", "note", "folderId", "order", "favorite", "imageName"),
		Sets:    fields("tagIds"),
		New: func(id string, createdAt time.Time) Document {
			return &BookmarkMeta{ID: id, Kind: KindLink, CreatedAt: createdAt.UTC(), EditedAt: createdAt.UTC()}
		},
	}
	linkSpec = &Spec{
		Type:    TypeBookmark,
		Target:  TargetLink,
		Mutable: fields("url", "title", "siteName", "imageName"),
		New: func(id string, createdAt time.Time) Document {
			return &Link{ID: id, EditedAt: createdAt.UTC()}
		},
	}
	highlightSpec = &Spec{
		Type:    TypeBookmark,
		Target:  "annotation",
		Mutable: fields("text", "note", "color", "start", "end", "removed"),
		New: func(id string, createdAt time.Time) Document {
			return &Highlight{ID: id, CreatedAt: createdAt.UTC(), EditedAt: createdAt.UTC()}
		},
	}
)

// Lookup returns the Spec for a document of the given type and target.
func Lookup(t EntityType, target FileTarget) (*Spec, error) {
	switch {
	case t == TypeFolder && target == TargetMeta:
		return folderSpec, nil
	case t == TypeTag && target == TargetMeta:
		return tagSpec, nil
	case t == TypeBookmark && target == TargetMeta:
		return bookmarkSpec, nil
	case t == TypeBookmark && target == TargetLink:
		return linkSpec, nil
	case t == TypeBookmark && target.IsAnnotation():
		return highlightSpec, nil
	}
	return nil, fmt.Errorf("no %s document has file target %q", t, target)
}

// Decode parses a document of the given spec from JSON.
func Decode(spec *Spec, data []byte) (Document, error) {
	doc := spec.New("", time.Time{})
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s %s document: %w", spec.Type, spec.Target, err)
	}
	if doc.Head().Clock == nil {
		doc.Head().Clock = vclock.Clock{}
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s %s document: %w", spec.Type, spec.Target, err)
	}
	return doc, nil
}

// Encode renders a document (or tombstone) as pretty-printed JSON with a
// trailing newline, the on-disk format of the filesystem of record.
func Encode(v interface{ Validate() error }) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("cannot encode invalid document: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeDeleted parses a tombstone.
func DecodeDeleted(data []byte) (*Deleted, error) {
	var d Deleted
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse tombstone: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tombstone: %w", err)
	}
	return &d, nil
}
