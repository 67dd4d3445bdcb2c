package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the broker's metrics instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveTurns      metric.Int64UpDownCounter
	StreamTokens     metric.Int64Counter
	ConcurrencyWaits metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	BalanceCharged   metric.Float64Counter
	ToolPrecheckRejected metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("tokenbroker.turn.duration",
		metric.WithDescription("Full turn duration in seconds, from first user message to final reply"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("tokenbroker.llm.duration",
		metric.WithDescription("Provider streaming call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("tokenbroker.llm.tokens",
		metric.WithDescription("Total tokens consumed, by direction"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("tokenbroker.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("tokenbroker.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("tokenbroker.turn.active",
		metric.WithDescription("Number of turns currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("tokenbroker.stream.tokens",
		metric.WithDescription("Total streaming text tokens delivered to Telegram edits"),
	)
	if err != nil {
		return nil, err
	}

	m.ConcurrencyWaits, err = meter.Int64Counter("tokenbroker.concurrency.rejects",
		metric.WithDescription("Requests rejected by the per-user concurrency limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("tokenbroker.cache.hits",
		metric.WithDescription("Redis cache-aside hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("tokenbroker.cache.misses",
		metric.WithDescription("Redis cache-aside misses"),
	)
	if err != nil {
		return nil, err
	}

	m.BalanceCharged, err = meter.Float64Counter("tokenbroker.balance.charged",
		metric.WithDescription("Total USD charged against user balances"),
		metric.WithUnit("{USD}"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolPrecheckRejected, err = meter.Int64Counter("tokenbroker.tool.precheck_rejected",
		metric.WithDescription("Paid tool calls rejected by the balance precheck before dispatch, by tool_name"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
