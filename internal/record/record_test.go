package record

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

// newTestStore creates a store over an in-memory filesystem.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func testFolder(id string) *schema.FolderMeta {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &schema.FolderMeta{
		ID:        id,
		Label:     "Reading",
		CreatedAt: now,
		EditedAt:  now,
		Header:    schema.Header{Clock: vclock.Clock{"A": 1}},
	}
}

func TestPath(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		typ     schema.EntityType
		id      string
		target  schema.FileTarget
		want    string
		wantErr bool
	}{
		{schema.TypeFolder, "f1", schema.TargetMeta, "/data/folders/f1/meta.json", false},
		{schema.TypeBookmark, "b1", schema.TargetLink, "/data/bookmarks/b1/link.json", false},
		{schema.TypeTag, "t1", schema.TargetDeleted, "/data/tags/t1/deleted.json", false},
		{schema.TypeBookmark, "b1", schema.AnnotationTarget("h1"), "/data/bookmarks/b1/content/annotations/h1.json", false},
		{schema.TypeBookmark, "b1", schema.AnnotationTarget("../x"), "", true},
		{schema.TypeBookmark, "../b1", schema.TargetMeta, "", true},
		{schema.TypeBookmark, "", schema.TargetMeta, "", true},
		{schema.TypeBookmark, "b1", "preview", "", true},
		{"widget", "w1", schema.TargetMeta, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.id+"/"+string(tt.target), func(t *testing.T) {
			got, err := s.Path(tt.typ, tt.id, tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Path() error = %v, wantErr %v", err, tt.wantErr)
			}
			if filepath.ToSlash(got) != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteReadDoc(t *testing.T) {
	s := newTestStore(t)
	folder := testFolder("f1")

	if err := s.WriteDoc(schema.TypeFolder, "f1", schema.TargetMeta, folder); err != nil {
		t.Fatalf("WriteDoc failed: %v", err)
	}

	doc, err := s.ReadDoc(schema.TypeFolder, "f1", schema.TargetMeta)
	if err != nil {
		t.Fatalf("ReadDoc failed: %v", err)
	}
	got := doc.(*schema.FolderMeta)
	if got.Label != "Reading" {
		t.Errorf("expected label Reading, got %q", got.Label)
	}
	if vclock.Compare(got.Clock, folder.Clock) != vclock.Equal {
		t.Errorf("clock not preserved: %v", got.Clock)
	}

	// No temp files left behind
	entries, err := afero.ReadDir(s.Fs(), s.EntityDir(schema.TypeFolder, "f1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempFilePrefix) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestReadDoc_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ReadDoc(schema.TypeFolder, "missing", schema.TargetMeta)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should be true")
	}
}

func TestWriteDoc_ReadOnlyFails(t *testing.T) {
	mem := afero.NewMemMapFs()
	if _, err := New(mem, "/data"); err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ro, err := New(afero.NewReadOnlyFs(mem), "/data")
	if err != nil {
		t.Fatalf("failed to create read-only store: %v", err)
	}

	if err := ro.WriteDoc(schema.TypeFolder, "f1", schema.TargetMeta, testFolder("f1")); err == nil {
		t.Fatal("expected write to fail on read-only filesystem")
	}
	if _, err := ro.ReadDoc(schema.TypeFolder, "f1", schema.TargetMeta); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed write must not leave a document, got %v", err)
	}
}

func TestWriteTombstone(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteDoc(schema.TypeBookmark, "b1", schema.TargetMeta, &schema.BookmarkMeta{
		ID: "b1", Kind: schema.KindLink, Header: schema.Header{Clock: vclock.Clock{"A": 1}},
	}); err != nil {
		t.Fatalf("WriteDoc meta failed: %v", err)
	}
	if err := s.WriteDoc(schema.TypeBookmark, "b1", schema.AnnotationTarget("h1"), &schema.Highlight{
		ID: "h1", Text: "quote", Header: schema.Header{Clock: vclock.Clock{"A": 1}},
	}); err != nil {
		t.Fatalf("WriteDoc annotation failed: %v", err)
	}
	if err := s.WriteAsset(schema.TypeBookmark, "b1", "preview.png", []byte{0x89, 'P', 'N', 'G'}); err != nil {
		t.Fatalf("WriteAsset failed: %v", err)
	}

	targets, err := s.Targets(schema.TypeBookmark, "b1")
	if err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if len(targets) != 2 || targets[0] != schema.TargetMeta || targets[1] != schema.AnnotationTarget("h1") {
		t.Fatalf("unexpected targets: %v", targets)
	}

	tomb := &schema.Deleted{ID: "b1", DeletedAt: time.Now().UTC(), DeviceID: "A", Clock: vclock.Clock{"A": 2}}
	if err := s.WriteTombstone(schema.TypeBookmark, "b1", tomb); err != nil {
		t.Fatalf("WriteTombstone failed: %v", err)
	}

	dead, err := s.IsTombstoned(schema.TypeBookmark, "b1")
	if err != nil || !dead {
		t.Fatalf("expected tombstoned, got %v (err %v)", dead, err)
	}
	entries, err := afero.ReadDir(s.Fs(), s.EntityDir(schema.TypeBookmark, "b1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != DeletedFile {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only deleted.json, got %v", names)
	}

	// Writes after deletion are refused
	err = s.WriteDoc(schema.TypeBookmark, "b1", schema.TargetMeta, &schema.BookmarkMeta{ID: "b1", Kind: schema.KindLink})
	if !errors.Is(err, ErrTombstoned) {
		t.Errorf("expected ErrTombstoned, got %v", err)
	}

	// A second tombstone keeps the first
	later := &schema.Deleted{ID: "b1", DeletedAt: time.Now().Add(time.Hour).UTC(), DeviceID: "B", Clock: vclock.Clock{"B": 1}}
	if err := s.WriteTombstone(schema.TypeBookmark, "b1", later); err != nil {
		t.Fatalf("second WriteTombstone failed: %v", err)
	}
	got, err := s.ReadTombstone(schema.TypeBookmark, "b1")
	if err != nil {
		t.Fatalf("ReadTombstone failed: %v", err)
	}
	if got.DeviceID != "A" {
		t.Errorf("expected original tombstone from A, got %s", got.DeviceID)
	}
}

func TestListIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"f3", "f1", "f2"} {
		if err := s.WriteDoc(schema.TypeFolder, id, schema.TargetMeta, testFolder(id)); err != nil {
			t.Fatalf("WriteDoc %s failed: %v", id, err)
		}
	}

	ids, err := s.ListIDs(schema.TypeFolder)
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if strings.Join(ids, ",") != "f1,f2,f3" {
		t.Errorf("unexpected ids: %v", ids)
	}

	ids, err = s.ListIDs(schema.TypeTag)
	if err != nil {
		t.Fatalf("ListIDs tags failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no tags, got %v", ids)
	}
}

func TestLocate(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		path   string
		wantOK bool
		typ    schema.EntityType
		id     string
	}{
		{"/data/folders/f1/meta.json", true, schema.TypeFolder, "f1"},
		{"/data/bookmarks/b1/content/annotations/h1.json", true, schema.TypeBookmark, "b1"},
		{"/data/bookmarks/b1", true, schema.TypeBookmark, "b1"},
		{"/data/.journal/e1.json", false, "", ""},
		{"/data/folders", false, "", ""},
		{"/elsewhere/folders/f1/meta.json", false, "", ""},
		{"/data/folder/f1/meta.json", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			typ, id, ok := s.Locate(filepath.FromSlash(tt.path))
			if ok != tt.wantOK || typ != tt.typ || id != tt.id {
				t.Errorf("Locate(%s) = (%s, %s, %v), want (%s, %s, %v)", tt.path, typ, id, ok, tt.typ, tt.id, tt.wantOK)
			}
		})
	}
}

func TestJournals(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteJournal("e2", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("WriteJournal failed: %v", err)
	}
	if err := s.WriteJournal("e1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("WriteJournal failed: %v", err)
	}

	ids, data, err := s.Journals()
	if err != nil {
		t.Fatalf("Journals failed: %v", err)
	}
	if strings.Join(ids, ",") != "e1,e2" {
		t.Errorf("unexpected journal ids: %v", ids)
	}
	if string(data["e2"]) != `{"n":2}` {
		t.Errorf("unexpected journal content: %s", data["e2"])
	}

	if err := s.RemoveJournal("e1"); err != nil {
		t.Fatalf("RemoveJournal failed: %v", err)
	}
	if err := s.RemoveJournal("e1"); err != nil {
		t.Errorf("removing a missing journal should succeed: %v", err)
	}
	ids, _, err = s.Journals()
	if err != nil {
		t.Fatalf("Journals failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "e2" {
		t.Errorf("expected only e2 left, got %v", ids)
	}
}

func TestAssetPath_Rejects(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"", "../x.png", "meta.json", ".hidden", "a/b.png"} {
		if _, err := s.AssetPath(schema.TypeBookmark, "b1", name); err == nil {
			t.Errorf("expected asset name %q to be rejected", name)
		}
	}
}
