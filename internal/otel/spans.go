package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for broker spans.
var (
	AttrThreadID     = attribute.Key("tokenbroker.thread.id")
	AttrUserID       = attribute.Key("tokenbroker.user.id")
	AttrToolName     = attribute.Key("tokenbroker.tool.name")
	AttrModel        = attribute.Key("tokenbroker.llm.model")
	AttrTokensInput  = attribute.Key("tokenbroker.llm.tokens.input")
	AttrTokensOutput = attribute.Key("tokenbroker.llm.tokens.output")
	AttrTurnIteration = attribute.Key("tokenbroker.turn.iteration")
	AttrChannel       = attribute.Key("tokenbroker.channel")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
