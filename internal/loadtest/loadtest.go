// Package loadtest drives a replica with concurrent writers and readers.
//
// Every write goes through the replica's sequential queue, so the numbers
// it reports are the end-to-end latency of a local operation: queue wait,
// file write, event store append and cache projection. It also checks
// that concurrent producers never break the single-writer ordering.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/merge"
	"github.com/linkhive/linkhive/internal/schema"
)

// Replica is the part of a runtime the load test drives.
type Replica interface {
	ApplyLocal(ctx context.Context, drafts []merge.Draft) ([]merge.Result, error)
	Cache() *db.DB
	Events() *eventlog.Log
}

// Dataset is the set of entities created by Populate.
type Dataset struct {
	FolderIDs   []string
	TagIDs      []string
	BookmarkIDs []string
}

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min        time.Duration   `json:"min"`
	Max        time.Duration   `json:"max"`
	Mean       time.Duration   `json:"mean"`
	P50        time.Duration   `json:"p50"`
	P95        time.Duration   `json:"p95"`
	P99        time.Duration   `json:"p99"`
	Operations int             `json:"operations"`
	Errors     int             `json:"errors"`
	Elapsed    time.Duration   `json:"elapsed"`
	Durations  []time.Duration `json:"-"`
}

// Throughput returns operations per second over the run.
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Operations) / s.Elapsed.Seconds()
}

// Populate creates folders, tags and bookmarks in batches of up to 100
// drafts. Bookmarks are spread round-robin over folders and
// carry one tag each.
func Populate(ctx context.Context, r Replica, numFolders, numTags, numBookmarks int) (*Dataset, error) {
	ds := &Dataset{}
	var drafts []merge.Draft
	create := func(t schema.EntityType, id string, fields map[string]any) error {
		p, err := schema.PatchOf(fields)
		if err != nil {
			return err
		}
		drafts = append(drafts, merge.Draft{EntityType: t, EntityID: id, Kind: merge.OpCreate, Payload: p.JSON()})
		return nil
	}
	flush := func() error {
		if len(drafts) == 0 {
			return nil
		}
		_, err := r.ApplyLocal(ctx, drafts)
		drafts = drafts[:0]
		return err
	}

	for i := 0; i < numFolders; i++ {
		id := fmt.Sprintf("folder-%04d", i)
		if err := create(schema.TypeFolder, id, map[string]any{"label": fmt.Sprintf("Folder %d", i), "order": i}); err != nil {
			return nil, err
		}
		ds.FolderIDs = append(ds.FolderIDs, id)
	}
	for i := 0; i < numTags; i++ {
		id := fmt.Sprintf("tag-%04d", i)
		if err := create(schema.TypeTag, id, map[string]any{"label": fmt.Sprintf("tag%d", i)}); err != nil {
			return nil, err
		}
		ds.TagIDs = append(ds.TagIDs, id)
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("failed to create folders and tags: %w", err)
	}

	kinds := []schema.BookmarkKind{schema.KindLink, schema.KindLink, schema.KindNote}
	for i := 0; i < numBookmarks; i++ {
		id := fmt.Sprintf("bookmark-%05d", i)
		fields := map[string]any{
			"kind":  kinds[i%len(kinds)],
			"label": fmt.Sprintf("Bookmark %d", i),
			"order": i,
		}
		if len(ds.FolderIDs) > 0 {
			fields["folderId"] = ds.FolderIDs[i%len(ds.FolderIDs)]
		}
		if len(ds.TagIDs) > 0 {
			fields["tagIds"] = []string{ds.TagIDs[i%len(ds.TagIDs)]}
		}
		if err := create(schema.TypeBookmark, id, fields); err != nil {
			return nil, err
		}
		ds.BookmarkIDs = append(ds.BookmarkIDs, id)
		if len(drafts) >= 100 {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("failed to create bookmarks: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("failed to create bookmarks: %w", err)
	}
	return ds, nil
}

// RunConcurrentWriters starts numWriters producers that each submit
// opsPerWriter single-draft operations against random bookmarks: label
// updates, favorite toggles and tag additions.
func RunConcurrentWriters(ctx context.Context, r Replica, ds *Dataset, numWriters, opsPerWriter int) (*LatencyStats, error) {
	if len(ds.BookmarkIDs) == 0 {
		return nil, fmt.Errorf("dataset has no bookmarks")
	}
	return run(ctx, numWriters, opsPerWriter, func(ctx context.Context, rng *rand.Rand, worker, op int) error {
		id := ds.BookmarkIDs[rng.Intn(len(ds.BookmarkIDs))]
		d := merge.Draft{EntityType: schema.TypeBookmark, EntityID: id}
		switch op % 3 {
		case 0:
			d.Kind = merge.OpUpdate
			d.Payload = mustJSON(map[string]any{"label": fmt.Sprintf("edited by %d/%d", worker, op)})
		case 1:
			d.Kind = merge.OpUpdate
			d.Payload = mustJSON(map[string]any{"favorite": op%2 == 1})
		default:
			if len(ds.TagIDs) == 0 {
				d.Kind = merge.OpUpdate
				d.Payload = mustJSON(map[string]any{"note": "n"})
				break
			}
			d.Kind = merge.OpTagAdd
			d.Payload = mustJSON(map[string]any{"tagId": ds.TagIDs[rng.Intn(len(ds.TagIDs))]})
		}
		_, err := r.ApplyLocal(ctx, []merge.Draft{d})
		return err
	})
}

// RunConcurrentSearches starts numReaders goroutines that each run
// queriesPerReader bookmark searches against the cache.
func RunConcurrentSearches(ctx context.Context, r Replica, numReaders, queriesPerReader int) (*LatencyStats, error) {
	queries := []db.SearchFilter{
		{},
		{Query: "bookmark 1"},
		{FavoritesOnly: true},
		{Kind: schema.KindNote, Limit: 50},
	}
	return run(ctx, numReaders, queriesPerReader, func(ctx context.Context, rng *rand.Rand, _, _ int) error {
		_, err := r.Cache().SearchBookmarks(ctx, queries[rng.Intn(len(queries))])
		return err
	})
}

type opFunc func(ctx context.Context, rng *rand.Rand, worker, op int) error

// run executes fn opsPerWorker times on each of numWorkers goroutines and
// collects the latency of every call. Failed calls are counted, not fatal.
func run(ctx context.Context, numWorkers, opsPerWorker int, fn opFunc) (*LatencyStats, error) {
	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, numWorkers*opsPerWorker)
		errCount  int
	)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < numWorkers; w++ {
		w := w
		g.Go(func() error {
			// Deterministic per worker for reproducible runs.
			rng := rand.New(rand.NewSource(int64(42 + w)))
			local := make([]time.Duration, 0, opsPerWorker)
			failed := 0
			for i := 0; i < opsPerWorker; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				began := time.Now()
				err := fn(ctx, rng, w, i)
				local = append(local, time.Since(began))
				if err != nil {
					failed++
				}
			}
			mu.Lock()
			durations = append(durations, local...)
			errCount += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(durations) == 0 {
		return nil, fmt.Errorf("no operations completed")
	}
	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	stats.Elapsed = time.Since(start)
	return stats, nil
}

// VerifySequence checks that this replica's local operations carry
// consecutive origin sequence numbers, newest first, and that each one
// produced its event. Numbers are assigned when an event is recorded, so
// failed operations leave no gap.
func VerifySequence(ctx context.Context, r Replica) error {
	ops, err := r.Events().OpLog(ctx, 0)
	if err != nil {
		return err
	}
	for _, op := range ops {
		ev, err := r.Events().GetEvent(ctx, op.EventID)
		if err != nil {
			return fmt.Errorf("op %s has no event: %w", op.OpID, err)
		}
		if ev == nil {
			return fmt.Errorf("op %s has no event %s", op.OpID, op.EventID)
		}
		if ev.OriginSeq != op.OriginSeq {
			return fmt.Errorf("op %s seq %d, event seq %d", op.OpID, op.OriginSeq, ev.OriginSeq)
		}
	}
	// OpLog is newest first.
	for i := 1; i < len(ops); i++ {
		if ops[i-1].OriginSeq-ops[i].OriginSeq != 1 {
			return fmt.Errorf("gap between origin sequences %d and %d", ops[i].OriginSeq, ops[i-1].OriginSeq)
		}
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats latency statistics.
func (s *LatencyStats) PrintStats(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Throughput:    %.1f ops/s\n", s.Throughput())
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
