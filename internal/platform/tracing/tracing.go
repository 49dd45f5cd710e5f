// Package tracing wires OpenTelemetry spans into the request context and
// exposes the trace id, which the admin API includes in its error responses.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer installs the tracer used by StartSpan. Call once during startup.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a span named spanName, or returns ctx unchanged if no
// tracer has been installed (e.g. in unit tests).
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// ActiveSpan returns the active span, or nil if there isn't a real one.
func ActiveSpan(ctx context.Context) trace.Span {
	if tracer == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return span
}

// TraceID returns the active trace id, or "" if there is none.
func TraceID(ctx context.Context) string {
	span := ActiveSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// TraceParent returns the W3C traceparent header value for the active span.
func TraceParent(ctx context.Context) string {
	span := ActiveSpan(ctx)
	if span == nil {
		return ""
	}
	tp := propagation.TraceContext{}
	carrier := propagation.MapCarrier{}
	tp.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}
