package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/MrWong99/narrator"

// Span attribute keys.
const (
	AttrBackend     = attribute.Key("narrator.backend")
	AttrVoice       = attribute.Key("narrator.voice")
	AttrFingerprint = attribute.Key("narrator.fingerprint")
	AttrBatch       = attribute.Key("narrator.batch")
	AttrItems       = attribute.Key("narrator.batch.items")
)

// StartSpan starts a span on the globally registered tracer provider. The
// caller ends it, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, opts...)
}

// StartGenerateSpan starts the span around one backend synthesis call.
func StartGenerateSpan(ctx context.Context, backend, voice, fingerprint string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tts.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrBackend.String(backend),
			AttrVoice.String(voice),
			AttrFingerprint.String(fingerprint),
		),
	)
}

// StartBatchSpan starts the span covering one batch run.
func StartBatchSpan(ctx context.Context, name string, items int) (context.Context, trace.Span) {
	return StartSpan(ctx, "batch.run", trace.WithAttributes(
		AttrBatch.String(name),
		AttrItems.Int(items),
	))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// HTTP responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base with the trace and span IDs of ctx attached. A nil
// base means [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
