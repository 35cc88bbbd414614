package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/lockfile"
	"github.com/linkhive/linkhive/internal/merge"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/transport"
)

func openRuntime(t *testing.T, dir, device string) *Runtime {
	t.Helper()
	r, err := Open(context.Background(), Options{DataDir: dir, DeviceID: device})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func folderDraft(id, label string) merge.Draft {
	return merge.Draft{
		EntityType: schema.TypeFolder,
		EntityID:   id,
		Kind:       merge.OpCreate,
		Payload:    json.RawMessage(fmt.Sprintf(`{"label":%q}`, label)),
	}
}

func bookmarkDraft(id, label string) merge.Draft {
	return merge.Draft{
		EntityType: schema.TypeBookmark,
		EntityID:   id,
		Kind:       merge.OpCreate,
		Payload:    json.RawMessage(fmt.Sprintf(`{"kind":"note","label":%q}`, label)),
	}
}

func apply(t *testing.T, r *Runtime, drafts ...merge.Draft) []merge.Result {
	t.Helper()
	res, err := r.ApplyLocal(context.Background(), drafts)
	if err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}
	return res
}

// next waits for a value on a subscription channel.
func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for observer")
	}
	var zero T
	return zero
}

func TestOpen_SingleWriter(t *testing.T) {
	dir := t.TempDir()
	openRuntime(t, dir, "dev-a")

	if _, err := Open(context.Background(), Options{DataDir: dir}); !errors.Is(err, lockfile.ErrLocked) {
		t.Fatalf("second Open should fail with ErrLocked, got %v", err)
	}
}

func TestRuntime_ApplyAndObserve(t *testing.T) {
	r := openRuntime(t, t.TempDir(), "dev-a")
	ctx := context.Background()

	sub, err := r.ObserveEntity(ctx, schema.TypeFolder, "f1")
	if err != nil {
		t.Fatalf("ObserveEntity failed: %v", err)
	}
	defer sub.Cancel()
	if e := next(t, sub.C); e.Exists {
		t.Fatalf("folder should not exist yet: %+v", e)
	}

	res := apply(t, r, folderDraft("f1", "Reading"))
	if res[0].Outcome != merge.Applied {
		t.Fatalf("expected Applied, got %s", res[0].Outcome)
	}
	e := next(t, sub.C)
	if !e.Exists || e.Folder == nil || e.Folder.Label != "Reading" {
		t.Fatalf("observer saw %+v", e)
	}

	apply(t, r, merge.Draft{EntityType: schema.TypeFolder, EntityID: "f1", Kind: merge.OpDelete})
	if e := next(t, sub.C); !e.Deleted {
		t.Errorf("observer should see deletion, got %+v", e)
	}

	stats := r.QueueStats()
	if stats.Processed < 3 || stats.Failed != 0 {
		t.Errorf("unexpected queue stats: %+v", stats)
	}
}

func TestRuntime_SearchBookmarks(t *testing.T) {
	r := openRuntime(t, t.TempDir(), "dev-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := r.SearchBookmarks(ctx, db.SearchFilter{Query: "go"})
	if err != nil {
		t.Fatalf("SearchBookmarks failed: %v", err)
	}
	if got := next(t, sub.C); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}

	apply(t, r, bookmarkDraft("b1", "Go memory model"), bookmarkDraft("b2", "Rust book"))
	got := next(t, sub.C)
	if len(got) != 1 || got[0].ID != "b1" {
		t.Errorf("expected only b1, got %+v", got)
	}

	// Folder changes are outside the watched scope.
	apply(t, r, folderDraft("f1", "go"))
	if _, ok := sub.Latest(); ok {
		t.Error("folder change should not refresh a bookmark search")
	}
}

func TestRuntime_InvalidDraftReturnsError(t *testing.T) {
	r := openRuntime(t, t.TempDir(), "dev-a")

	res, err := r.ApplyLocal(context.Background(), []merge.Draft{
		folderDraft("f1", "ok"),
		{EntityType: schema.TypeFolder, EntityID: "f2", Kind: merge.OpUpdate, Payload: json.RawMessage(`{"label":"x"}`)},
	})
	if !errors.Is(err, merge.ErrInvalidDraft) {
		t.Fatalf("expected ErrInvalidDraft, got %v", err)
	}
	if len(res) != 1 {
		t.Errorf("expected the first result, got %d", len(res))
	}

	// The queue keeps working after a failed item.
	apply(t, r, folderDraft("f3", "after"))
	if stats := r.QueueStats(); stats.Failed != 1 || stats.LastError == "" {
		t.Errorf("failed item not recorded: %+v", stats)
	}
}

func TestRuntime_Enqueue(t *testing.T) {
	r := openRuntime(t, t.TempDir(), "dev-a")
	ctx := context.Background()

	sub, err := r.ObserveEntity(ctx, schema.TypeTag, "t1")
	if err != nil {
		t.Fatalf("ObserveEntity failed: %v", err)
	}
	defer sub.Cancel()
	next(t, sub.C)

	err = r.Enqueue([]merge.Draft{{
		EntityType: schema.TypeTag, EntityID: "t1", Kind: merge.OpCreate,
		Payload: json.RawMessage(`{"label":"later"}`),
	}})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if e := next(t, sub.C); e.Tag == nil || e.Tag.Label != "later" {
		t.Errorf("enqueued draft not applied: %+v", e)
	}
}

func TestRuntime_Closed(t *testing.T) {
	r, err := Open(context.Background(), Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := r.ApplyLocal(context.Background(), []merge.Draft{folderDraft("f1", "x")}); !errors.Is(err, ErrClosed) {
		t.Errorf("ApplyLocal after Close: got %v, want ErrClosed", err)
	}
	if err := r.Enqueue(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close: got %v, want ErrClosed", err)
	}
	if _, err := r.ObserveEntity(context.Background(), schema.TypeFolder, "f1"); !errors.Is(err, ErrClosed) {
		t.Errorf("ObserveEntity after Close: got %v, want ErrClosed", err)
	}
}

func TestRuntime_CacheRebuild(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(context.Background(), Options{DataDir: dir, DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	apply(t, r, folderDraft("f1", "Kept"), bookmarkDraft("b1", "Note"))

	report, err := r.RebuildCache(context.Background())
	if err != nil {
		t.Fatalf("RebuildCache failed: %v", err)
	}
	if report.Projected != 2 || report.Failed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A lost cache is rebuilt from the records on open.
	for _, name := range []string{CacheFile, CacheFile + "-wal", CacheFile + "-shm"} {
		_ = os.Remove(filepath.Join(dir, name))
	}
	r = openRuntime(t, dir, "")
	if r.DeviceID() != "dev-a" {
		t.Errorf("device identity lost: %q", r.DeviceID())
	}
	f, err := r.Cache().GetFolder(context.Background(), "f1")
	if err != nil || f.Label != "Kept" {
		t.Fatalf("folder not rebuilt: %+v, %v", f, err)
	}
	status, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Cache.Folders != 1 || status.Cache.Bookmarks != 1 || status.Events.Events != 2 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestRuntime_PutAsset(t *testing.T) {
	r := openRuntime(t, t.TempDir(), "dev-a")
	ctx := context.Background()

	if err := r.PutAsset(ctx, schema.TypeBookmark, "b1", "preview.png", []byte("png")); err == nil {
		t.Error("asset for a missing bookmark should fail")
	}
	apply(t, r, bookmarkDraft("b1", "Pic"))
	if err := r.PutAsset(ctx, schema.TypeBookmark, "b1", "preview.png", []byte("png")); err != nil {
		t.Fatalf("PutAsset failed: %v", err)
	}
	data, err := r.Store().ReadAsset(schema.TypeBookmark, "b1", "preview.png")
	if err != nil || string(data) != "png" {
		t.Errorf("asset not stored: %q, %v", data, err)
	}
}

// serve runs r's sync server on a free port until test end.
func serve(t *testing.T, r *Runtime) *transport.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan *transport.Server, 1)
	done := make(chan error, 1)
	go func() {
		done <- r.Serve(ctx, ServeOptions{
			Listen:       "127.0.0.1:0",
			SyncInterval: -1,
			Ready:        func(s *transport.Server) { ready <- s },
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve failed: %v", err)
		}
	})
	select {
	case srv := <-ready:
		return srv
	case err := <-done:
		t.Fatalf("Serve failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return nil
}

func TestRuntime_SyncWith(t *testing.T) {
	a := openRuntime(t, t.TempDir(), "dev-a")
	b := openRuntime(t, t.TempDir(), "dev-b")
	srv := serve(t, a)
	ctx := context.Background()

	apply(t, a, folderDraft("f1", "From A"))
	apply(t, b, folderDraft("f2", "From B"), bookmarkDraft("b1", "Note B"))

	sub, err := a.ObserveEntity(ctx, schema.TypeFolder, "f2")
	if err != nil {
		t.Fatalf("ObserveEntity failed: %v", err)
	}
	defer sub.Cancel()
	next(t, sub.C)

	summary, err := b.SyncWith(ctx, srv.Addr(), false)
	if err != nil {
		t.Fatalf("SyncWith failed: %v", err)
	}
	if summary.Received != 1 || summary.Sent != 2 || summary.Acked != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if e := next(t, sub.C); e.Folder == nil || e.Folder.Label != "From B" {
		t.Errorf("observer on A did not see remote folder: %+v", e)
	}
	for _, r := range []*Runtime{a, b} {
		for _, id := range []string{"f1", "f2"} {
			if _, err := r.Cache().GetFolder(ctx, id); err != nil {
				t.Errorf("%s missing folder %s: %v", r.DeviceID(), id, err)
			}
		}
	}

	evs, err := a.Events().EntityEvents(ctx, schema.TypeFolder, "f2")
	if err != nil {
		t.Fatalf("EntityEvents failed: %v", err)
	}
	if len(evs) != 1 || evs[0].OriginDevice != "dev-b" || evs[0].EventType != eventlog.EventCreate {
		t.Errorf("remote event not recorded on A: %+v", evs)
	}

	// Both sides now hold the same event set.
	ca, _ := a.Cursors(ctx)
	cb, _ := b.Cursors(ctx)
	if ca["dev-a"] != cb["dev-a"] || ca["dev-b"] != cb["dev-b"] {
		t.Errorf("cursors differ: a=%v b=%v", ca, cb)
	}
}
