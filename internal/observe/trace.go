package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the sedaflow tracer.
const tracerName = "github.com/sedaflow/sedaflow"

// Tracer returns the package-level [trace.Tracer] for sedaflow. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan opens the span covering one call session, from channel
// creation to cleanup. The session manager keeps the returned span and
// closes it through EndCallSpan when the session is purged; event
// handlers re-attach it with [trace.ContextWithSpan] so provider spans
// and logs correlate to the call.
func StartCallSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call.session",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

// EndCallSpan records the call's direction and final result on its span
// and closes it.
func EndCallSpan(span trace.Span, direction, result string) {
	span.SetAttributes(
		attribute.String("call.direction", direction),
		attribute.String("call.result", result),
	)
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID doubles as the request correlation identifier in logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
