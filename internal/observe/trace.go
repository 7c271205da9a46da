package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/locus"

// Span attribute keys for registry operations.
const (
	AttrOperation = attribute.Key("locus.operation")
	AttrRole      = attribute.Key("locus.role")
	AttrErrorKind = attribute.Key("locus.error_kind")
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartOperation starts the internal span of one registry operation,
// named "registry.<op>". Finish it with [EndOperation].
func StartOperation(ctx context.Context, op, role string) (context.Context, trace.Span) {
	return StartSpan(ctx, "registry."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrOperation.String(op), AttrRole.String(role)),
	)
}

// EndOperation ends span. A non-empty kind is attached as
// locus.error_kind. Only a fault (a failure of the service itself, not a
// rejected request) marks the span as failed and records err.
func EndOperation(span trace.Span, kind string, err error, fault bool) {
	if kind != "" {
		span.SetAttributes(AttrErrorKind.String(kind))
	}
	if fault && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without an
// active span. It doubles as the X-Correlation-ID of HTTP responses.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span
// in ctx attached.
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
