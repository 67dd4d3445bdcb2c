// Package queue implements the write-behind persistence queue (C2): writes
// that must eventually reach Postgres are first pushed onto a Redis list so
// the turn loop never blocks on the database, then flushed in batches by a
// background worker. Entries that repeatedly fail to flush land on a
// dead-letter list and are retried on a slower schedule.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/halvorsen/tokenbroker/internal/cache"
)

const (
	queueKey = "writebehind:queue"
	dlqKey   = "writebehind:queue:dlq"

	minBatchSize = 100
	maxBatchSize = 1000

	flushInterval = 500 * time.Millisecond
	dlqReplayEvery = time.Minute
)

// Entry is one pending write.
type Entry struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Sink persists a batch of entries. Returning an error fails the whole batch;
// callers that can partially succeed should do so internally and only report
// the entries that truly failed via the returned slice.
type Sink func(ctx context.Context, entries []Entry) (failed []Entry, err error)

// Queue is the write-behind queue.
type Queue struct {
	cache  *cache.Client
	logger *slog.Logger
	sink   Sink
}

// New creates a Queue backed by the given cache client.
func New(c *cache.Client, sink Sink, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{cache: c, logger: logger, sink: sink}
}

// Enqueue appends an entry for later flushing. This call only touches Redis
// and returns quickly even under cache-circuit pressure — ErrCircuitOpen
// propagates to the caller, who decides whether to degrade (e.g. skip
// persistence for this turn) rather than block.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	entry := Entry{Kind: kind, Payload: raw, EnqueuedAt: time.Now()}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.cache.RPush(ctx, queueKey, string(b))
}

// batchSize grows with backlog depth: starts at 100, doubles while the queue
// keeps growing, caps at 1000. This keeps flush throughput tracking backlog
// rather than draining at a fixed, possibly-too-slow rate.
func (q *Queue) batchSize(ctx context.Context) int {
	depth, err := q.cache.LLen(ctx, queueKey)
	if err != nil || depth <= 0 {
		return minBatchSize
	}
	size := int64(minBatchSize)
	for size < depth && size < maxBatchSize {
		size *= 2
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return int(size)
}

// Run drives the flush loop until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	dlqTicker := time.NewTicker(dlqReplayEvery)
	defer dlqTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			q.flush(ctx)
		case <-dlqTicker.C:
			q.replayDLQ(ctx)
		}
	}
}

// Drain flushes the queue repeatedly until empty or ctx is done, for use
// during graceful shutdown after Run's ticker loop has stopped.
func (q *Queue) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw, err := q.cache.LPop(ctx, queueKey, maxBatchSize)
		if err != nil || len(raw) == 0 {
			return
		}
		entries := decodeEntries(raw, q.logger)
		failed, err := q.sink(ctx, entries)
		if err != nil {
			q.logger.Error("queue drain: sink failed", "error", err, "count", len(entries))
			return
		}
		q.deadLetter(ctx, failed)
	}
}

func (q *Queue) flush(ctx context.Context) {
	size := q.batchSize(ctx)
	raw, err := q.cache.LPop(ctx, queueKey, size)
	if err != nil {
		if err != cache.ErrCircuitOpen {
			q.logger.Error("queue flush: lpop failed", "error", err)
		}
		return
	}
	if len(raw) == 0 {
		return
	}

	entries := decodeEntries(raw, q.logger)
	failed, err := q.sink(ctx, entries)
	if err != nil {
		q.logger.Error("queue flush: sink failed", "error", err, "count", len(entries))
		failed = entries
	}
	q.deadLetter(ctx, failed)
}

// deadLetter pushes entries that failed to flush onto the DLQ, bumping their
// attempt counter so a pathological entry doesn't loop forever un-observed.
func (q *Queue) deadLetter(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		e.Attempts++
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := q.cache.RPush(ctx, dlqKey, string(b)); err != nil {
			q.logger.Error("queue: failed to dead-letter entry", "error", err, "kind", e.Kind)
		}
	}
	if len(entries) > 0 {
		q.logger.Warn("queue: entries dead-lettered", "count", len(entries))
	}
}

// replayDLQ moves everything currently on the DLQ back onto the main queue
// for another attempt. Entries older than 24h with too many attempts are
// dropped and logged rather than retried forever.
func (q *Queue) replayDLQ(ctx context.Context) {
	raw, err := q.cache.LPop(ctx, dlqKey, maxBatchSize)
	if err != nil || len(raw) == 0 {
		return
	}
	entries := decodeEntries(raw, q.logger)
	replayed := 0
	dropped := 0
	for _, e := range entries {
		if e.Attempts >= 10 || time.Since(e.EnqueuedAt) > 24*time.Hour {
			dropped++
			continue
		}
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := q.cache.RPush(ctx, queueKey, string(b)); err == nil {
			replayed++
		}
	}
	if dropped > 0 {
		q.logger.Warn("queue: dropped stale DLQ entries", "count", dropped)
	}
	if replayed > 0 {
		q.logger.Info("queue: replayed DLQ entries", "count", replayed)
	}
}

func decodeEntries(raw []string, logger *slog.Logger) []Entry {
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			logger.Error("queue: dropping undecodable entry", "error", err)
			continue
		}
		out = append(out, e)
	}
	return out
}
