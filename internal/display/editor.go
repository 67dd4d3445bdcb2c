package display

import (
	"context"
	"sync"
	"time"
)

// EditInterval is the minimum spacing between streaming display edits.
const EditInterval = 300 * time.Millisecond

// Sender pushes one rendered edit to the messenger. Implementations must
// tolerate being called with text identical to what's currently shown (a
// Telegram "message not modified" error is a no-op, not a failure).
type Sender func(ctx context.Context, text string) error

// Throttler serializes and rate-limits display edits for one turn: at most
// one edit per EditInterval, with edits awaited in order so a slow network
// call never races the next one. Grounded on spec.md §4.7/§4.8's "at most
// ~1 per 300ms, edits serialized" invariant.
type Throttler struct {
	send     Sender
	interval time.Duration

	mu       sync.Mutex
	lastSent time.Time
	lastText string
	edits    int
}

// NewThrottler builds a Throttler around send, using the default EditInterval.
func NewThrottler(send Sender) *Throttler {
	return &Throttler{send: send, interval: EditInterval}
}

// Maybe sends text if enough time has elapsed since the last edit and the
// content actually changed; otherwise it's a no-op. Returns whether an edit
// was sent.
func (t *Throttler) Maybe(ctx context.Context, text string) (bool, error) {
	t.mu.Lock()
	if text == t.lastText {
		t.mu.Unlock()
		return false, nil
	}
	if since := time.Since(t.lastSent); since < t.interval && !t.lastSent.IsZero() {
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	if err := t.send(ctx, text); err != nil {
		return false, err
	}

	t.mu.Lock()
	t.lastSent = time.Now()
	t.lastText = text
	t.edits++
	t.mu.Unlock()
	return true, nil
}

// Flush forces a final edit regardless of the interval — used once after
// streaming ends to guarantee the last chunk is shown.
func (t *Throttler) Flush(ctx context.Context, text string) error {
	t.mu.Lock()
	if text == t.lastText {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.send(ctx, text); err != nil {
		return err
	}
	t.mu.Lock()
	t.lastSent = time.Now()
	t.lastText = text
	t.edits++
	t.mu.Unlock()
	return nil
}

// EditCount returns how many edits have actually been sent (for the
// spec invariant: edits ≤ ⌈duration_ms/300⌉ + 1).
func (t *Throttler) EditCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edits
}
