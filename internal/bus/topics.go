package bus

// Tool precheck topic: published whenever a paid tool call is rejected before
// dispatch because the user's balance is insufficient.
const (
	TopicToolPrecheckRejected = "tool.precheck.rejected"
)

// Display topics: published by the display manager as it edits messages.
const (
	TopicDisplayEdited    = "display.edited"
	TopicDisplayTruncated = "display.truncated"
)

// Concurrency topics.
const (
	TopicConcurrencyRejected = "concurrency.rejected"
	TopicGenerationCancelled = "generation.cancelled"
)

// Cache topic: published whenever the cache client's circuit breaker changes
// state, alongside the more granular TopicCacheCircuitOpened/Closed/HalfOpen.
const (
	TopicCacheCircuitChanged = "cache.circuit.changed"
)

// ToolPrecheckRejected is published when a paid tool call is rejected for insufficient balance.
type ToolPrecheckRejected struct {
	ThreadID string
	UserID   int64
	ToolName string
	Balance  float64
}

// DisplayEdited is published each time the display manager pushes an edit to Telegram.
type DisplayEdited struct {
	ThreadID string
	ChatID   int64
	Chars    int
}

// ConcurrencyRejected is published when a user's concurrent-request limit is exceeded.
type ConcurrencyRejected struct {
	UserID int64
	Queued int
}

// CacheCircuitEvent is published whenever the cache client's circuit breaker transitions.
type CacheCircuitEvent struct {
	From string
	To   string
}
