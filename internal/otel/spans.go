package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrAgentID      = attribute.Key("crpc.agent.id")
	AttrSessionID    = attribute.Key("crpc.session.id")
	AttrMethod       = attribute.Key("crpc.rpc.method")
	AttrToolName     = attribute.Key("crpc.tool.name")
	AttrModel        = attribute.Key("crpc.llm.model")
	AttrTokensInput  = attribute.Key("crpc.llm.tokens.input")
	AttrTokensOutput = attribute.Key("crpc.llm.tokens.output")
	AttrChannelID    = attribute.Key("crpc.channel.id")
	AttrPluginID     = attribute.Key("crpc.plugin.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, plugin).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
