package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linkhive/linkhive/internal/record"
	"github.com/linkhive/linkhive/internal/schema"
)

// recorder collects Reproject calls.
type recorder struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 100)}
}

func (r *recorder) reproject(_ context.Context, t schema.EntityType, id string) error {
	key := string(t) + "/" + id
	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.mu.Unlock()
	r.ch <- key
	return nil
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("no reprojection of %s", want)
		}
	}
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == key {
			n++
		}
	}
	return n
}

// startWatcher runs a watcher over a fresh store root until test end.
func startWatcher(t *testing.T) (string, *recorder, *Watcher) {
	t.Helper()
	root := t.TempDir()
	store, err := record.New(nil, root)
	if err != nil {
		t.Fatalf("record.New failed: %v", err)
	}
	rec := newRecorder()

	w, err := New(Config{
		Root:             root,
		Locate:           store.Locate,
		Reproject:        rec.reproject,
		DebounceInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() failed: %v", err)
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for !w.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Let the initial tree walk finish.
	time.Sleep(50 * time.Millisecond)
	return root, rec, w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := New(Config{Root: t.TempDir()}); err == nil {
		t.Error("expected error for missing callbacks")
	}
}

func TestWatcher_ExistingEntityEdited(t *testing.T) {
	root := t.TempDir()
	meta := filepath.Join(root, "folders", "f1", "meta.json")
	writeFile(t, meta, `{"id":"f1"}`)

	store, err := record.New(nil, root)
	if err != nil {
		t.Fatalf("record.New failed: %v", err)
	}
	rec := newRecorder()
	w, err := New(Config{Root: root, Locate: store.Locate, Reproject: rec.reproject, DebounceInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	writeFile(t, meta, `{"id":"f1","label":"edited"}`)
	rec.wait(t, "folder/f1")
}

func TestWatcher_NewEntityDirectory(t *testing.T) {
	root, rec, _ := startWatcher(t)

	dir := filepath.Join(root, "bookmarks", "b1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create entity dir: %v", err)
	}
	// Give the watcher a moment to add the new directory.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "link.json"), `{"id":"b1"}`)

	rec.wait(t, "bookmark/b1")
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	root, rec, _ := startWatcher(t)

	meta := filepath.Join(root, "tags", "t1", "meta.json")
	writeFile(t, meta, `{}`)
	rec.wait(t, "tag/t1")
	before := rec.count("tag/t1")

	for i := 0; i < 10; i++ {
		writeFile(t, meta, `{"label":"burst"}`)
	}
	rec.wait(t, "tag/t1")
	time.Sleep(200 * time.Millisecond)

	if got := rec.count("tag/t1") - before; got != 1 {
		t.Errorf("expected one reprojection for a burst, got %d", got)
	}
}

func TestWatcher_IgnoresBookkeeping(t *testing.T) {
	root, rec, w := startWatcher(t)

	writeFile(t, filepath.Join(root, ".journal", "ev1.json"), `{}`)
	writeFile(t, filepath.Join(root, "folders", "f2", ".tmp-123"), `{}`)
	writeFile(t, filepath.Join(root, "notes.txt"), `hello`)
	time.Sleep(200 * time.Millisecond)

	if n := w.Pending(); n != 0 {
		t.Errorf("expected nothing pending, got %d", n)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, c := range rec.calls {
		if c != "folder/f2" {
			t.Errorf("unexpected reprojection %s", c)
		}
	}
}

func TestWatcher_RunTwice(t *testing.T) {
	_, _, w := startWatcher(t)
	if err := w.Run(context.Background()); err == nil {
		t.Error("second Run() should fail while running")
	}
}
