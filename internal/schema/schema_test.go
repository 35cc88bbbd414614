package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/linkhive/linkhive/internal/vclock"
)

func mustPatch(t *testing.T, values map[string]any) Patch {
	t.Helper()
	p, err := PatchOf(values)
	if err != nil {
		t.Fatalf("PatchOf failed: %v", err)
	}
	return p
}

func newFolder(t *testing.T) Document {
	t.Helper()
	created := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	doc, rest, err := NewFromCreate(folderSpec, "f-1", mustPatch(t, map[string]any{
		"label": "Old",
		"color": "red",
	}), created)
	if err != nil {
		t.Fatalf("NewFromCreate failed: %v", err)
	}
	doc.Head().Clock = vclock.Clock{"A": 1}
	merged, _, err := Apply(folderSpec, doc, rest, Stamp{At: created, Device: "A"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return merged
}

func TestFolderMeta_Validate(t *testing.T) {
	tests := []struct {
		name    string
		folder  FolderMeta
		wantErr string
	}{
		{name: "valid", folder: FolderMeta{ID: "f-1", Label: "Inbox"}},
		{name: "missing id", folder: FolderMeta{Label: "x"}, wantErr: "id is required"},
		{name: "own parent", folder: FolderMeta{ID: "f-1", ParentID: "f-1"}, wantErr: "own parent"},
		{name: "negative order", folder: FolderMeta{ID: "f-1", Order: -1}, wantErr: "order must not be negative"},
		{name: "label too long", folder: FolderMeta{ID: "f-1", Label: strings.Repeat("x", 501)}, wantErr: "label must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.folder.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBookmarkMeta_Validate(t *testing.T) {
	b := BookmarkMeta{ID: "b-1", Kind: "video"}
	if err := b.Validate(); err == nil {
		t.Error("unknown kind accepted")
	}

	b = BookmarkMeta{ID: "b-1", Kind: KindLink, ImageName: "preview.png"}
	if err := b.Validate(); err == nil {
		t.Error("imageName accepted on a link bookmark")
	}

	l := Link{ID: "b-1", URL: "example.com/no-scheme"}
	if err := l.Validate(); err == nil {
		t.Error("url without scheme accepted")
	}

	h := Highlight{ID: "h-1", Start: 10, End: 5}
	if err := h.Validate(); err == nil {
		t.Error("inverted highlight range accepted")
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		typ     EntityType
		target  FileTarget
		wantErr bool
	}{
		{TypeFolder, TargetMeta, false},
		{TypeTag, TargetMeta, false},
		{TypeBookmark, TargetMeta, false},
		{TypeBookmark, TargetLink, false},
		{TypeBookmark, AnnotationTarget("h-1"), false},
		{TypeFolder, TargetLink, true},
		{TypeTag, AnnotationTarget("h-1"), true},
		{TypeBookmark, "annotation/../x", true},
		{TypeBookmark, TargetDeleted, true},
	}

	for _, tt := range tests {
		_, err := Lookup(tt.typ, tt.target)
		if (err != nil) != tt.wantErr {
			t.Errorf("Lookup(%s, %s) error = %v, wantErr %v", tt.typ, tt.target, err, tt.wantErr)
		}
	}
}

func TestParseEntityType(t *testing.T) {
	for _, in := range []string{"folder", "folders", "Bookmarks", " tag "} {
		if _, err := ParseEntityType(in); err != nil {
			t.Errorf("ParseEntityType(%q) failed: %v", in, err)
		}
	}
	if _, err := ParseEntityType("widget"); err == nil {
		t.Error("ParseEntityType accepted widget")
	}
}

func TestNewFromCreate(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	payload := mustPatch(t, map[string]any{
		"id":     "b-1",
		"kind":   "note",
		"label":  "Shopping",
		"note":   "milk",
		"tagIds": []string{"t-2", "t-1"},
	})

	doc, rest, err := NewFromCreate(bookmarkSpec, "b-1", payload, at)
	if err != nil {
		t.Fatalf("NewFromCreate failed: %v", err)
	}

	bm := doc.(*BookmarkMeta)
	if bm.Kind != KindNote {
		t.Errorf("kind = %s, want note", bm.Kind)
	}
	if !bm.CreatedAt.Equal(at) {
		t.Errorf("createdAt = %v, want %v", bm.CreatedAt, at)
	}
	for _, key := range []string{"label", "note", "tagIds.t-1", "tagIds.t-2"} {
		if _, ok := rest[key]; !ok {
			t.Errorf("remaining patch lacks %s: %v", key, rest.Keys())
		}
	}
	if _, ok := rest["id"]; ok {
		t.Error("identity field id leaked into the remaining patch")
	}

	if _, _, err := NewFromCreate(bookmarkSpec, "b-2", payload, at); err == nil {
		t.Error("mismatched payload id accepted")
	}
	if _, _, err := NewFromCreate(folderSpec, "f-1", mustPatch(t, map[string]any{"kind": "note"}), at); err == nil {
		t.Error("kind accepted on a folder")
	}
}

func TestApply_RejectsUnknownFields(t *testing.T) {
	doc := newFolder(t)
	for _, key := range []string{"id", "createdAt", "clock", "bogus", "label.x"} {
		p := Patch{key: json.RawMessage(`"v"`)}
		if _, _, err := Apply(folderSpec, doc, p, Stamp{At: time.Now(), Device: "A"}); err == nil {
			t.Errorf("Apply accepted field %q", key)
		}
	}
}

func TestApply_LastWriterWinsPerField(t *testing.T) {
	doc := newFolder(t)
	base := doc.(*FolderMeta).CreatedAt

	renameA := mustPatch(t, map[string]any{"label": "New"})
	recolorB := mustPatch(t, map[string]any{"color": "blue"})
	stampA := Stamp{At: base.Add(2 * time.Minute), Device: "A"}
	stampB := Stamp{At: base.Add(time.Minute), Device: "B"}

	ab, _, err := Apply(folderSpec, doc, renameA, stampA)
	if err != nil {
		t.Fatal(err)
	}
	ab, _, err = Apply(folderSpec, ab, recolorB, stampB)
	if err != nil {
		t.Fatal(err)
	}

	ba, _, err := Apply(folderSpec, doc, recolorB, stampB)
	if err != nil {
		t.Fatal(err)
	}
	ba, _, err = Apply(folderSpec, ba, renameA, stampA)
	if err != nil {
		t.Fatal(err)
	}

	encAB, _ := Encode(ab)
	encBA, _ := Encode(ba)
	if string(encAB) != string(encBA) {
		t.Errorf("merge order changed the result:\nAB=%s\nBA=%s", encAB, encBA)
	}

	f := ab.(*FolderMeta)
	if f.Label != "New" || f.Color != "blue" {
		t.Errorf("merged folder = label %q color %q, want New/blue", f.Label, f.Color)
	}
	if !f.EditedAt.Equal(stampA.At) {
		t.Errorf("editedAt = %v, want %v", f.EditedAt, stampA.At)
	}

	// doc untouched
	if doc.(*FolderMeta).Label != "Old" {
		t.Error("Apply mutated its input document")
	}
}

func TestApply_SameFieldTieBreak(t *testing.T) {
	doc := newFolder(t)
	at := doc.(*FolderMeta).CreatedAt.Add(time.Hour)

	fromA := mustPatch(t, map[string]any{"label": "from A"})
	fromB := mustPatch(t, map[string]any{"label": "from B"})

	first, _, _ := Apply(folderSpec, doc, fromA, Stamp{At: at, Device: "A"})
	got, applied, err := Apply(folderSpec, first, fromB, Stamp{At: at, Device: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if got.(*FolderMeta).Label != "from B" || len(applied) != 1 {
		t.Errorf("equal timestamps: larger device should win, got %q", got.(*FolderMeta).Label)
	}

	first, _, _ = Apply(folderSpec, doc, fromB, Stamp{At: at, Device: "B"})
	got, applied, _ = Apply(folderSpec, first, fromA, Stamp{At: at, Device: "A"})
	if got.(*FolderMeta).Label != "from B" || len(applied) != 0 {
		t.Errorf("smaller device must not overwrite, got %q applied=%v", got.(*FolderMeta).Label, applied)
	}
}

func TestApply_SetMembers(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	doc, rest, err := NewFromCreate(bookmarkSpec, "b-1", mustPatch(t, map[string]any{"label": "x"}), at)
	if err != nil {
		t.Fatal(err)
	}
	doc, _, err = Apply(bookmarkSpec, doc, rest, Stamp{At: at, Device: "A"})
	if err != nil {
		t.Fatal(err)
	}

	addA := Patch{"tagIds.t-a": json.RawMessage("true")}
	addB := Patch{"tagIds.t-b": json.RawMessage("true")}

	doc, _, _ = Apply(bookmarkSpec, doc, addA, Stamp{At: at.Add(time.Second), Device: "A"})
	doc, _, _ = Apply(bookmarkSpec, doc, addB, Stamp{At: at.Add(time.Second), Device: "B"})

	bm := doc.(*BookmarkMeta)
	if !bm.HasTag("t-a") || !bm.HasTag("t-b") {
		t.Fatalf("concurrent tag adds lost a member: %v", bm.TagIDs)
	}

	removeA := Patch{"tagIds.t-a": json.RawMessage("false")}
	doc, _, _ = Apply(bookmarkSpec, doc, removeA, Stamp{At: at.Add(2 * time.Second), Device: "B"})
	bm = doc.(*BookmarkMeta)
	if bm.HasTag("t-a") || !bm.HasTag("t-b") {
		t.Errorf("after removal tags = %v, want [t-b]", bm.TagIDs)
	}

	// a stale re-add loses against the newer removal
	doc, applied, _ := Apply(bookmarkSpec, doc, addA, Stamp{At: at.Add(time.Second), Device: "A"})
	if len(applied) != 0 || doc.(*BookmarkMeta).HasTag("t-a") {
		t.Errorf("stale add resurrected t-a")
	}
}

func TestDecodeEncode(t *testing.T) {
	doc := newFolder(t)
	data, err := Encode(doc)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasSuffix(string(data), "}\n") {
		t.Errorf("encoded document lacks trailing newline")
	}

	back, err := Decode(folderSpec, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	again, _ := Encode(back)
	if string(again) != string(data) {
		t.Errorf("re-encoded document differs:\n%s\n%s", data, again)
	}
	if vclock.Compare(back.Head().Clock, vclock.Clock{"A": 1}) != vclock.Equal {
		t.Errorf("clock = %v", back.Head().Clock)
	}

	if _, err := Decode(folderSpec, []byte(`{"label":"no id"}`)); err == nil {
		t.Error("Decode accepted a document without id")
	}
}

func TestStampLess(t *testing.T) {
	at := time.Now()
	if !(Stamp{At: at, Device: "A"}).Less(Stamp{At: at.Add(time.Nanosecond), Device: "A"}) {
		t.Error("earlier stamp must be less")
	}
	if !(Stamp{At: at, Device: "A"}).Less(Stamp{At: at, Device: "B"}) {
		t.Error("equal time: smaller device must be less")
	}
	if (Stamp{At: at, Device: "A"}).Less(Stamp{At: at, Device: "A"}) {
		t.Error("identical stamps are not less")
	}
}

func TestFileTarget(t *testing.T) {
	id, ok := AnnotationTarget("h-9").HighlightID()
	if !ok || id != "h-9" {
		t.Errorf("HighlightID = %q, %v", id, ok)
	}
	if TargetMeta.IsAnnotation() {
		t.Error("meta is not an annotation")
	}
}
