package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// NewLogCorrelationHandler wraps next so that every log line written
// while serving an instrumented request carries the ids of the trace it
// belongs to. Ingest handlers log through the request context, so their
// lines line up with the server span otelhttp opened for the request.
// Lines logged outside a request, startup and shutdown for example,
// pass through untouched. A nil next falls back to slog.Default.
func NewLogCorrelationHandler(next slog.Handler) slog.Handler {
	if next == nil {
		next = slog.Default().Handler()
	}
	return &logCorrelationHandler{next: next}
}

type logCorrelationHandler struct {
	next slog.Handler
}

func (h *logCorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logCorrelationHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := spanCorrelationAttrs(ctx); attrs != nil {
		record.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, record)
}

func (h *logCorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logCorrelationHandler{next: h.next.WithAttrs(attrs)}
}

func (h *logCorrelationHandler) WithGroup(name string) slog.Handler {
	return &logCorrelationHandler{next: h.next.WithGroup(name)}
}

// spanCorrelationAttrs returns trace_id and span_id attributes for the
// span recording in ctx, or nil when there is nothing to correlate with.
// Non-recording spans are skipped: their ids never reach an exporter, so
// the log line would reference a trace no backend has.
func spanCorrelationAttrs(ctx context.Context) []slog.Attr {
	current := oteltrace.SpanFromContext(ctx)
	if current == nil || !current.IsRecording() {
		return nil
	}
	sc := current.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}
