package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for kernel spans.
var (
	AttrWorker       = attribute.Key("kernel.worker")
	AttrChatID       = attribute.Key("kernel.chat.id")
	AttrJobID        = attribute.Key("kernel.job.id")
	AttrCronID       = attribute.Key("kernel.cron.id")
	AttrModel        = attribute.Key("kernel.llm.model")
	AttrTokensInput  = attribute.Key("kernel.llm.tokens.input")
	AttrTokensOutput = attribute.Key("kernel.llm.tokens.output")
	AttrExecutorKind = attribute.Key("kernel.executor.backend")
	AttrTraceID      = attribute.Key("kernel.trace.id")
	AttrDecisionKind = attribute.Key("kernel.triage.decision_kind")
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

// StartClientSpan starts a span for an outbound call (LLM API, transport send, executor backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
