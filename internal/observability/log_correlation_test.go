package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func correlatedLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewLogCorrelationHandler(slog.NewJSONHandler(buf, nil)))
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line %q: %v", buf.String(), err)
	}
	return line
}

func TestLogCorrelationInsideRecordingSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := correlatedLogger(&buf)

	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	ctx, current := provider.Tracer("test").Start(context.Background(), "ingest")
	defer current.End()

	logger.InfoContext(ctx, "batch stored")

	line := decodeLogLine(t, &buf)
	if line["trace_id"] != current.SpanContext().TraceID().String() {
		t.Fatalf("trace_id = %v, want the active span's trace", line["trace_id"])
	}
	if line["span_id"] != current.SpanContext().SpanID().String() {
		t.Fatalf("span_id = %v", line["span_id"])
	}
}

func TestLogCorrelationOutsideRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := correlatedLogger(&buf)

	logger.InfoContext(context.Background(), "server listening")

	line := decodeLogLine(t, &buf)
	if _, ok := line["trace_id"]; ok {
		t.Fatal("trace_id must be absent without an active span")
	}
	if line["msg"] != "server listening" {
		t.Fatalf("msg = %v", line["msg"])
	}
}

func TestLogCorrelationPreservesHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := correlatedLogger(&buf).With("component", "api")

	logger.InfoContext(context.Background(), "ready")

	line := decodeLogLine(t, &buf)
	if line["component"] != "api" {
		t.Fatalf("component = %v, want handler attr to survive wrapping", line["component"])
	}
}
