package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every span this module starts.
var ScopeName = "github.com/MrWong99/rtcsession"

// Span attribute keys for session spans.
const (
	AttrUserID = attribute.Key("rtcsession.user_id")
	AttrRoomID = attribute.Key("rtcsession.room_id")
	AttrRole   = attribute.Key("rtcsession.role")
)

// Tracer returns the module tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(ScopeName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must end the span, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts an internal span named "session.<op>". Empty
// attribute values are dropped so callers can pass what they have:
//
//	ctx, span := observe.StartSessionSpan(ctx, "join_room", observe.AttrRoomID.String(roomID))
//	defer func() { observe.EndSpan(span, err) }()
func StartSessionSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	kept := attrs[:0:0]
	for _, a := range attrs {
		if a.Value.Type() == attribute.STRING && a.Value.AsString() == "" {
			continue
		}
		kept = append(kept, a)
	}
	return StartSpan(ctx, "session."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(kept...),
	)
}

// EndSpan records err on span (if non-nil), marks the span status
// accordingly and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
