package queue_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/halvorsen/tokenbroker/internal/cache"
	"github.com/halvorsen/tokenbroker/internal/queue"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	return cache.New(cache.Config{Host: mr.Host(), Port: port}, nil)
}

func TestQueue_DrainFlushesUntilEmpty(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var sunk []queue.Entry
	sink := func(ctx context.Context, entries []queue.Entry) ([]queue.Entry, error) {
		sunk = append(sunk, entries...)
		return nil, nil
	}

	q := queue.New(c, sink, nil)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, "message", map[string]int{"i": i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	q.Drain(drainCtx)

	if len(sunk) != 5 {
		t.Fatalf("sunk %d entries, want 5", len(sunk))
	}
	for _, e := range sunk {
		if e.Kind != "message" {
			t.Errorf("entry kind = %q, want %q", e.Kind, "message")
		}
	}
}

func TestQueue_DrainNoopOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	called := false
	sink := func(ctx context.Context, entries []queue.Entry) ([]queue.Entry, error) {
		called = true
		return nil, nil
	}

	q := queue.New(c, sink, nil)
	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	q.Drain(drainCtx)

	if called {
		t.Fatal("sink should not be called when the queue is empty")
	}
}

func TestQueue_DrainStopsOnContextCancellation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	blocked := make(chan struct{})
	sink := func(ctx context.Context, entries []queue.Entry) ([]queue.Entry, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	q := queue.New(c, sink, nil)
	if err := q.Enqueue(ctx, "message", map[string]int{"i": 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drainCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		q.Drain(drainCtx)
		close(done)
	}()

	<-blocked
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after context cancellation")
	}
}

func TestQueue_DrainMovesSinkFailuresToDeadLetter(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	sink := func(ctx context.Context, entries []queue.Entry) ([]queue.Entry, error) {
		return entries, nil
	}

	q := queue.New(c, sink, nil)
	if err := q.Enqueue(ctx, "message", map[string]int{"i": 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	q.Drain(drainCtx)

	raw, err := c.LPop(ctx, "writebehind:queue:dlq", 10)
	if err != nil {
		t.Fatalf("LPop dlq: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(raw))
	}
	var e queue.Entry
	if err := json.Unmarshal([]byte(raw[0]), &e); err != nil {
		t.Fatalf("unmarshal dlq entry: %v", err)
	}
	if e.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", e.Attempts)
	}
}

func TestQueue_EnqueueAndManualFlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	received := make(chan []queue.Entry, 1)
	sink := func(ctx context.Context, entries []queue.Entry) ([]queue.Entry, error) {
		received <- entries
		return nil, nil
	}

	q := queue.New(c, sink, nil)
	payload := map[string]string{"text": "hello"}
	if err := q.Enqueue(ctx, "note", payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go q.Run(runCtx)

	select {
	case entries := <-received:
		if len(entries) != 1 {
			t.Fatalf("entries = %d, want 1", len(entries))
		}
		var decoded map[string]string
		if err := json.Unmarshal(entries[0].Payload, &decoded); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if decoded["text"] != "hello" {
			t.Fatalf("payload text = %q, want %q", decoded["text"], "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}
