package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for the coding-agent hub spans.
var (
	AttrAgentID      = attribute.Key("cah.agent.id")
	AttrTaskID       = attribute.Key("cah.task.id")
	AttrToolName     = attribute.Key("cah.tool.name")
	AttrModel        = attribute.Key("cah.llm.model")
	AttrTokensInput  = attribute.Key("cah.llm.tokens.input")
	AttrTokensOutput = attribute.Key("cah.llm.tokens.output")
	AttrLoopID       = attribute.Key("cah.loop.id")
	AttrLoopStep     = attribute.Key("cah.loop.step")
	AttrMCPServer    = attribute.Key("cah.mcp.server")
	AttrSessionID    = attribute.Key("cah.session.id")
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
