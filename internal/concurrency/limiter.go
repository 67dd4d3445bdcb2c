// Package concurrency implements the per-user concurrency limiter and
// generation tracker (C10): at most N in-flight turns per user, with a
// bounded FIFO wait queue, plus cooperative cancellation of an in-flight
// turn keyed by (chat, user, thread).
package concurrency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/halvorsen/tokenbroker/internal/shared"
)

// DefaultPerUserLimit is the number of turns a single user may run concurrently.
const DefaultPerUserLimit = 1

// DefaultWaitTimeout is how long a queued request waits for a slot before
// ConcurrencyLimitExceededError is returned.
const DefaultWaitTimeout = 30 * time.Second

// userSlot is a bounded semaphore plus a FIFO wait counter for one user.
type userSlot struct {
	sem    chan struct{}
	mu     sync.Mutex
	queued int
}

// Limiter bounds the number of concurrent in-flight turns per user.
type Limiter struct {
	limit       int
	waitTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	slots map[int64]*userSlot
}

// New creates a Limiter with the given per-user slot count and wait timeout.
// Zero values fall back to DefaultPerUserLimit / DefaultWaitTimeout.
func New(limit int, waitTimeout time.Duration, logger *slog.Logger) *Limiter {
	if limit <= 0 {
		limit = DefaultPerUserLimit
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{limit: limit, waitTimeout: waitTimeout, logger: logger, slots: make(map[int64]*userSlot)}
}

func (l *Limiter) slotFor(userID int64) *userSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[userID]
	if !ok {
		s = &userSlot{sem: make(chan struct{}, l.limit)}
		l.slots[userID] = s
	}
	return s
}

// Release is returned by Acquire to free the held slot.
type Release func()

// Acquire blocks until a slot for userID is free, ctx is cancelled, or the
// wait timeout elapses. On timeout it returns
// *shared.ConcurrencyLimitExceededError.
func (l *Limiter) Acquire(ctx context.Context, userID int64) (Release, error) {
	s := l.slotFor(userID)

	s.mu.Lock()
	s.queued++
	queued := s.queued
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.queued--
		s.mu.Unlock()
	}()

	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timer.C:
		l.logger.Info("concurrency: wait timed out", "user_id", userID, "queued", queued)
		return nil, shared.NewConcurrencyLimitExceededError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth returns the number of goroutines currently waiting for userID's slot.
func (l *Limiter) QueueDepth(userID int64) int {
	s := l.slotFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}
