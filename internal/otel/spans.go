package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for gateway spans and metrics.
var (
	AttrConnID      = attribute.Key("goclaw.conn.id")
	AttrClientMode  = attribute.Key("goclaw.client.mode")
	AttrRole        = attribute.Key("goclaw.role")
	AttrAuthMethod  = attribute.Key("goclaw.auth.method")
	AttrAuthOutcome = attribute.Key("goclaw.auth.outcome")
	AttrMethod      = attribute.Key("goclaw.rpc.method")
	AttrErrorCode   = attribute.Key("goclaw.rpc.error_code")
	AttrEvent       = attribute.Key("goclaw.event")
	AttrRunID       = attribute.Key("goclaw.run.id")
	AttrSessionKey  = attribute.Key("goclaw.session.key")
	AttrNodeID      = attribute.Key("goclaw.node.id")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound handshake or request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call such as a node invoke.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
