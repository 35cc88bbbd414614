package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// startQueue creates and starts a queue that is stopped at test end.
func startQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg)
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func TestQueue_FIFO(t *testing.T) {
	q := startQueue(t, Config{})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		if err := q.Enqueue(fmt.Sprintf("item-%d", i), func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// A Submit after the batch completes after all of it
	if err := q.Submit(context.Background(), "barrier", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Fatalf("expected 50 items run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("item %d ran at position %d", v, i)
		}
	}
}

func TestQueue_SingleWorker(t *testing.T) {
	q := startQueue(t, Config{})

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), "work", func(context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected one item at a time, saw %d", maxActive)
	}
}

func TestQueue_ContinuesAfterFailure(t *testing.T) {
	var failed []string
	var mu sync.Mutex
	q := startQueue(t, Config{OnError: func(name string, err error) {
		mu.Lock()
		failed = append(failed, name)
		mu.Unlock()
	}})
	ctx := context.Background()

	boom := errors.New("disk full")
	if err := q.Submit(ctx, "write", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Submit returned %v, want %v", err, boom)
	}
	if err := q.Submit(ctx, "panics", func(context.Context) error { panic("bad state") }); err == nil {
		t.Error("expected panic to surface as an error")
	}

	ran := false
	if err := q.Submit(ctx, "next", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("Submit after failures failed: %v", err)
	}
	if !ran {
		t.Error("queue stopped processing after a failure")
	}

	stats := q.Stats()
	if stats.Processed != 3 || stats.Failed != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastError == "" || stats.LastErrorAt.IsZero() {
		t.Errorf("last error not recorded: %+v", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 || failed[0] != "write" {
		t.Errorf("unexpected OnError calls: %v", failed)
	}
}

func TestQueue_StatsWhileBusy(t *testing.T) {
	q := startQueue(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	if err := q.Enqueue("slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Enqueue("waiting", func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	<-started
	stats := q.Stats()
	if stats.Current != "slow" || stats.Depth != 3 {
		t.Errorf("unexpected busy stats: %+v", stats)
	}
	close(release)

	if err := q.Submit(context.Background(), "barrier", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if stats := q.Stats(); stats.Depth != 0 || stats.Current != "" || stats.Processed != 5 {
		t.Errorf("unexpected idle stats: %+v", stats)
	}
}

func TestQueue_EnqueueBeforeStart(t *testing.T) {
	q := New(Config{})
	done := make(chan struct{})
	if err := q.Enqueue("early", func(context.Context) error { close(done); return nil }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("item enqueued before Start never ran")
	}
	if err := q.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

func TestQueue_Stop(t *testing.T) {
	q := New(Config{})
	if err := q.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := make(chan struct{})
	if err := q.Enqueue("blocking", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	<-started

	pending := make(chan error, 1)
	go func() {
		pending <- q.Submit(context.Background(), "pending", func(context.Context) error { return nil })
	}()
	// Wait until the pending item is queued
	for q.Stats().Depth == 0 {
		time.Sleep(time.Millisecond)
	}

	q.Stop()
	if err := <-pending; !errors.Is(err, ErrStopped) {
		t.Errorf("pending Submit returned %v, want ErrStopped", err)
	}
	if err := q.Enqueue("late", func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after Stop returned %v, want ErrStopped", err)
	}
	q.Stop() // idempotent
}

func TestQueue_SubmitContextCancelled(t *testing.T) {
	q := startQueue(t, Config{})

	release := make(chan struct{})
	if err := q.Enqueue("slow", func(context.Context) error { <-release; return nil }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Submit(ctx, "never awaited", func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(release)
}
