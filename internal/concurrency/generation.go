package concurrency

import (
	"fmt"
	"log/slog"
	"sync"
)

// generationKey identifies one in-flight turn.
type generationKey struct {
	ChatID   int64
	UserID   int64
	ThreadID string
}

func (k generationKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.ChatID, k.UserID, k.ThreadID)
}

// GenerationTracker lets one part of the system (a /cancel command) signal
// cancellation to another (the turn loop, polling between streaming events)
// without either holding a reference to the other. Grounded directly on
// original_source/bot/telegram/generation_tracker.py.
type GenerationTracker struct {
	mu     sync.Mutex
	active map[generationKey]chan struct{}
	logger *slog.Logger
}

// NewGenerationTracker creates an empty tracker.
func NewGenerationTracker(logger *slog.Logger) *GenerationTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationTracker{active: make(map[generationKey]chan struct{}), logger: logger}
}

// Start registers a new in-flight generation, returning a channel that is
// closed when Cancel is called for the same key. Starting a generation for a
// key that already has one active replaces it (and logs — this indicates the
// caller didn't clean up a prior turn).
func (g *GenerationTracker) Start(chatID, userID int64, threadID string) <-chan struct{} {
	key := generationKey{ChatID: chatID, UserID: userID, ThreadID: threadID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.active[key]; exists {
		g.logger.Warn("generation tracker: overwriting still-active generation", "key", key.String())
	}
	ch := make(chan struct{})
	g.active[key] = ch
	return ch
}

// Cancel signals cancellation for an in-flight generation. Returns whether one was found.
func (g *GenerationTracker) Cancel(chatID, userID int64, threadID string) bool {
	key := generationKey{ChatID: chatID, UserID: userID, ThreadID: threadID}
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.active[key]
	if !ok {
		return false
	}
	close(ch)
	return true
}

// Cleanup removes a generation's bookkeeping once the turn loop finishes,
// logging whether it was cancelled.
func (g *GenerationTracker) Cleanup(chatID, userID int64, threadID string) {
	key := generationKey{ChatID: chatID, UserID: userID, ThreadID: threadID}
	g.mu.Lock()
	ch, ok := g.active[key]
	delete(g.active, key)
	g.mu.Unlock()
	if !ok {
		return
	}
	wasCancelled := false
	select {
	case <-ch:
		wasCancelled = true
	default:
	}
	g.logger.Debug("generation tracker: cleaned up", "key", key.String(), "was_cancelled", wasCancelled)
}

// IsActive reports whether a generation is currently tracked for the key.
func (g *GenerationTracker) IsActive(chatID, userID int64, threadID string) bool {
	key := generationKey{ChatID: chatID, UserID: userID, ThreadID: threadID}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[key]
	return ok
}

// ActiveCount returns the number of in-flight generations.
func (g *GenerationTracker) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
