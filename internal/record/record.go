// Package record is the filesystem of record: the authoritative, per-entity
// JSON documents under a single root directory.
//
// Every path is resolved here so the physical root can move (user setting,
// platform default) without touching callers. The filesystem itself is an
// afero.Fs, which is the platform capability injected at startup: the OS
// filesystem in production, an in-memory one in tests.
//
// Writes are whole-file and atomic: the document is written to a temporary
// sibling and renamed into place, so readers only ever see a complete old
// or a complete new document.
package record

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/linkhive/linkhive/internal/schema"
)

// Conventional file names inside an entity directory.
const (
	MetaFile        = "meta.json"
	LinkFile        = "link.json"
	DeletedFile     = "deleted.json"
	AnnotationsDir  = "content/annotations"
	journalDirName  = ".journal"
	tempFilePrefix  = ".tmp-"
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("record: document not found")
	// ErrTombstoned is returned when writing to a deleted entity.
	ErrTombstoned = errors.New("record: entity is deleted")
)

// Store resolves and performs reads and writes of entity documents.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a Store rooted at root on the given filesystem.
// A nil fs means the operating system filesystem.
func New(fsys afero.Fs, root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	for _, t := range schema.EntityTypes {
		dir := filepath.Join(root, t.Plural())
		if ok, _ := afero.DirExists(fsys, dir); ok {
			continue
		}
		if err := fsys.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", t.Plural(), err)
		}
	}
	return &Store{fs: fsys, root: root}, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// EntityDir returns <root>/<types>/<id>.
func (s *Store) EntityDir(t schema.EntityType, id string) string {
	return filepath.Join(s.root, t.Plural(), id)
}

// Path returns the absolute path of an entity's document for target.
func (s *Store) Path(t schema.EntityType, id string, target schema.FileTarget) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if !t.IsValid() {
		return "", fmt.Errorf("unknown entity type %q", t)
	}
	dir := s.EntityDir(t, id)
	switch {
	case target == schema.TargetMeta:
		return filepath.Join(dir, MetaFile), nil
	case target == schema.TargetLink:
		return filepath.Join(dir, LinkFile), nil
	case target == schema.TargetDeleted:
		return filepath.Join(dir, DeletedFile), nil
	}
	if hid, ok := target.HighlightID(); ok {
		return filepath.Join(dir, filepath.FromSlash(AnnotationsDir), hid+".json"), nil
	}
	return "", fmt.Errorf("unknown file target %q", target)
}

// AssetPath returns the path of an asset file (e.g. a preview image) owned
// by the entity.
func (s *Store) AssetPath(t schema.EntityType, id, name string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if name == "" || name != path.Base(name) || strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	return filepath.Join(s.EntityDir(t, id), name), nil
}

// Read returns the raw bytes of a document, or ErrNotFound.
func (s *Store) Read(t schema.EntityType, id string, target schema.FileTarget) ([]byte, error) {
	p, err := s.Path(t, id, target)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// ReadDoc reads and decodes a document.
func (s *Store) ReadDoc(t schema.EntityType, id string, target schema.FileTarget) (schema.Document, error) {
	spec, err := schema.Lookup(t, target)
	if err != nil {
		return nil, err
	}
	data, err := s.Read(t, id, target)
	if err != nil {
		return nil, err
	}
	doc, err := schema.Decode(spec, data)
	if err != nil {
		return nil, fmt.Errorf("%s %s/%s: %w", t, id, target, err)
	}
	return doc, nil
}

// WriteDoc encodes and atomically writes a document. Writing to a
// tombstoned entity fails with ErrTombstoned.
func (s *Store) WriteDoc(t schema.EntityType, id string, target schema.FileTarget, doc schema.Document) error {
	if target == schema.TargetDeleted {
		return fmt.Errorf("use WriteTombstone to delete %s %s", t, id)
	}
	dead, err := s.IsTombstoned(t, id)
	if err != nil {
		return err
	}
	if dead {
		return ErrTombstoned
	}
	data, err := schema.Encode(doc)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", t, id, target, err)
	}
	p, err := s.Path(t, id, target)
	if err != nil {
		return err
	}
	return s.writeAtomic(p, data)
}

// WriteAsset atomically stores an asset file beside the entity's documents.
func (s *Store) WriteAsset(t schema.EntityType, id, name string, data []byte) error {
	dead, err := s.IsTombstoned(t, id)
	if err != nil {
		return err
	}
	if dead {
		return ErrTombstoned
	}
	p, err := s.AssetPath(t, id, name)
	if err != nil {
		return err
	}
	return s.writeAtomic(p, data)
}

// ReadAsset reads an asset file.
func (s *Store) ReadAsset(t schema.EntityType, id, name string) ([]byte, error) {
	p, err := s.AssetPath(t, id, name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// IsTombstoned reports whether deleted.json exists for the entity.
func (s *Store) IsTombstoned(t schema.EntityType, id string) (bool, error) {
	p, err := s.Path(t, id, schema.TargetDeleted)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return ok, nil
}

// ReadTombstone returns the entity's tombstone, or ErrNotFound.
func (s *Store) ReadTombstone(t schema.EntityType, id string) (*schema.Deleted, error) {
	data, err := s.Read(t, id, schema.TargetDeleted)
	if err != nil {
		return nil, err
	}
	return schema.DecodeDeleted(data)
}

// WriteTombstone writes deleted.json and then removes every other file and
// directory of the entity. The entity directory itself stays to hold the
// tombstone. Writing a tombstone twice keeps the first one.
func (s *Store) WriteTombstone(t schema.EntityType, id string, tomb *schema.Deleted) error {
	dead, err := s.IsTombstoned(t, id)
	if err != nil {
		return err
	}
	if !dead {
		data, err := schema.Encode(tomb)
		if err != nil {
			return fmt.Errorf("%s %s: %w", t, id, err)
		}
		p, err := s.Path(t, id, schema.TargetDeleted)
		if err != nil {
			return err
		}
		if err := s.writeAtomic(p, data); err != nil {
			return err
		}
	}

	dir := s.EntityDir(t, id)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name() == DeletedFile {
			continue
		}
		if err := s.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s of deleted %s %s: %w", e.Name(), t, id, err)
		}
	}
	return nil
}

// ListIDs returns the IDs of every entity directory of type t, sorted.
// Tombstoned entities are included.
func (s *Store) ListIDs(t schema.EntityType) ([]string, error) {
	dir := filepath.Join(s.root, t.Plural())
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Targets returns the document targets present for an entity, meta first.
func (s *Store) Targets(t schema.EntityType, id string) ([]schema.FileTarget, error) {
	dir := s.EntityDir(t, id)
	var targets []schema.FileTarget
	for _, c := range []struct {
		name   string
		target schema.FileTarget
	}{{MetaFile, schema.TargetMeta}, {LinkFile, schema.TargetLink}} {
		ok, err := afero.Exists(s.fs, filepath.Join(dir, c.name))
		if err != nil {
			return nil, err
		}
		if ok {
			targets = append(targets, c.target)
		}
	}

	annDir := filepath.Join(dir, filepath.FromSlash(AnnotationsDir))
	entries, err := afero.ReadDir(s.fs, annDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to list %s: %w", annDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		targets = append(targets, schema.AnnotationTarget(strings.TrimSuffix(name, ".json")))
	}
	return targets, nil
}

// Locate maps an absolute path inside the root back to the entity it
// belongs to. It is used by the watcher to route change notifications.
func (s *Store) Locate(p string) (schema.EntityType, string, bool) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	t, err := schema.ParseEntityType(parts[0])
	if err != nil || t.Plural() != parts[0] {
		return "", "", false
	}
	if checkID(parts[1]) != nil {
		return "", "", false
	}
	return t, parts[1], true
}

func (s *Store) writeAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	if err := s.fs.MkdirAll(dir, defaultDirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, tempFilePrefix+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, defaultFilePerm); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

func checkID(id string) error {
	if id == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid entity id %q", id)
	}
	return nil
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
