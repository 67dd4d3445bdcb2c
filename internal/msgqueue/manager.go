// Package msgqueue implements the per-thread message batching manager (C4):
// messages arriving in quick succession (someone typing several lines) are
// coalesced into one batch before the turn loop sees them.
//
// Grounded directly on original_source/bot/core/message_queue.py.
package msgqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DebounceWindow mirrors the 0.2s sleep in _wait_and_process.
const DebounceWindow = 200 * time.Millisecond

// ProcessFunc handles one batch of messages for a thread. A returned error
// triggers a single retry of the same batch.
type ProcessFunc func(ctx context.Context, threadID string, messages []any) error

type batch struct {
	mu         sync.Mutex
	messages   []any
	processing bool
	timer      *time.Timer
}

// Manager coalesces per-thread messages arriving within DebounceWindow of
// each other into a single batch handed to ProcessFunc.
type Manager struct {
	process ProcessFunc
	logger  *slog.Logger

	mu      sync.Mutex
	batches map[string]*batch
}

// New creates a Manager that calls process for each coalesced batch.
func New(process ProcessFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{process: process, logger: logger, batches: make(map[string]*batch)}
}

func (m *Manager) batchFor(threadID string) *batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[threadID]
	if !ok {
		b = &batch{}
		m.batches[threadID] = b
	}
	return b
}

// AddMessage appends message to threadID's batch. If the batch is not
// currently being processed, it (re)starts the 200ms debounce timer; if it
// is being processed, the message is appended and picked up by the
// re-entrant follow-on batch once the in-flight call finishes.
func (m *Manager) AddMessage(ctx context.Context, threadID string, message any) {
	b := m.batchFor(threadID)

	b.mu.Lock()
	b.messages = append(b.messages, message)
	processing := b.processing
	if b.timer != nil {
		b.timer.Stop()
	}
	if !processing {
		b.timer = time.AfterFunc(DebounceWindow, func() {
			m.processBatch(ctx, threadID, b)
		})
	}
	b.mu.Unlock()
}

// processBatch drains the batch, calls process once (with a single retry on
// error), then — in a finally-equivalent — checks whether more messages
// accumulated while it ran and recursively drains those too.
func (m *Manager) processBatch(ctx context.Context, threadID string, b *batch) {
	b.mu.Lock()
	if b.processing || len(b.messages) == 0 {
		b.mu.Unlock()
		return
	}
	b.processing = true
	messages := b.messages
	b.messages = nil
	b.mu.Unlock()

	err := m.process(ctx, threadID, messages)
	if err != nil {
		m.logger.Warn("msgqueue: batch failed, retrying once", "thread_id", threadID, "error", err)
		err = m.process(ctx, threadID, messages)
		if err != nil {
			m.logger.Error("msgqueue: batch failed after retry", "thread_id", threadID, "error", err)
		}
	}

	b.mu.Lock()
	b.processing = false
	nextBatch := len(b.messages) > 0
	b.mu.Unlock()

	if nextBatch {
		m.processBatch(ctx, threadID, b)
	}
}

// Stats describes a single thread's batching state, for monitoring.
type Stats struct {
	ThreadID   string
	Pending    int
	Processing bool
}

// GetStats reports the current depth/processing state for every known thread.
func (m *Manager) GetStats() []Stats {
	m.mu.Lock()
	threadIDs := make([]string, 0, len(m.batches))
	batches := make([]*batch, 0, len(m.batches))
	for id, b := range m.batches {
		threadIDs = append(threadIDs, id)
		batches = append(batches, b)
	}
	m.mu.Unlock()

	out := make([]Stats, len(threadIDs))
	for i, b := range batches {
		b.mu.Lock()
		out[i] = Stats{ThreadID: threadIDs[i], Pending: len(b.messages), Processing: b.processing}
		b.mu.Unlock()
	}
	return out
}
