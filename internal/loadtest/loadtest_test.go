package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/linkhive/linkhive/internal/core"
)

func openReplica(t *testing.T) *core.Runtime {
	t.Helper()
	r, err := core.Open(context.Background(), core.Options{DataDir: t.TempDir(), DeviceID: "bench"})
	if err != nil {
		t.Fatalf("core.Open failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPopulate(t *testing.T) {
	r := openReplica(t)
	ctx := context.Background()

	ds, err := Populate(ctx, r, 3, 2, 150)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if len(ds.FolderIDs) != 3 || len(ds.TagIDs) != 2 || len(ds.BookmarkIDs) != 150 {
		t.Errorf("unexpected dataset sizes: %d/%d/%d", len(ds.FolderIDs), len(ds.TagIDs), len(ds.BookmarkIDs))
	}

	stats, err := r.Cache().Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Folders != 3 || stats.Tags != 2 || stats.Bookmarks != 150 {
		t.Errorf("cache does not match dataset: %+v", stats)
	}
	if err := VerifySequence(ctx, r); err != nil {
		t.Errorf("VerifySequence failed: %v", err)
	}
}

func TestRunConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	r := openReplica(t)
	ctx := context.Background()

	ds, err := Populate(ctx, r, 2, 3, 20)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	stats, err := RunConcurrentWriters(ctx, r, ds, 8, 10)
	if err != nil {
		t.Fatalf("RunConcurrentWriters failed: %v", err)
	}
	if stats.Operations != 80 || stats.Errors != 0 {
		t.Errorf("expected 80 clean operations, got %d (%d errors)", stats.Operations, stats.Errors)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("percentiles out of order: %+v", stats)
	}

	// Concurrent producers still yield one gap-free local sequence.
	if err := VerifySequence(ctx, r); err != nil {
		t.Errorf("VerifySequence failed: %v", err)
	}
	if q := r.QueueStats(); q.Depth != 0 || q.Failed != 0 {
		t.Errorf("queue not drained cleanly: %+v", q)
	}
}

func TestRunConcurrentSearches(t *testing.T) {
	r := openReplica(t)
	ctx := context.Background()
	if _, err := Populate(ctx, r, 1, 1, 30); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	stats, err := RunConcurrentSearches(ctx, r, 4, 25)
	if err != nil {
		t.Fatalf("RunConcurrentSearches failed: %v", err)
	}
	if stats.Operations != 100 || stats.Errors != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf, "Search")
	if !strings.Contains(buf.String(), "Operations:    100") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
}

func TestRunConcurrentWriters_EmptyDataset(t *testing.T) {
	if _, err := RunConcurrentWriters(context.Background(), nil, &Dataset{}, 1, 1); err == nil {
		t.Error("expected error for empty dataset")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}
	stats := computeLatencyStats(durations)

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min", stats.Min, time.Millisecond},
		{"max", stats.Max, 100 * time.Millisecond},
		{"p50", stats.P50, 51 * time.Millisecond},
		{"p95", stats.P95, 96 * time.Millisecond},
		{"p99", stats.P99, 100 * time.Millisecond},
		{"mean", stats.Mean, 50500 * time.Microsecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if stats.Operations != 100 {
		t.Errorf("Operations = %d", stats.Operations)
	}
	if (&LatencyStats{}).Throughput() != 0 {
		t.Error("zero elapsed should give zero throughput")
	}
}
