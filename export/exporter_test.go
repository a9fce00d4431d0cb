package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/costlens/costlens/span"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpan(id string) *span.Span {
	return &span.Span{
		TraceID:   "tr-1",
		SpanID:    id,
		Kind:      span.KindLLMCall,
		Label:     "test",
		LabelPath: "test",
		Status:    span.StatusOK,
		StartedAt: time.Now().UTC(),
	}
}

type recordingSubmitter struct {
	mu      sync.Mutex
	batches [][]*span.Span
	fail    func(attempt int) error
	calls   int
}

func (r *recordingSubmitter) Submit(_ context.Context, spans []*span.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		if err := r.fail(r.calls); err != nil {
			return err
		}
	}
	batch := make([]*span.Span, len(spans))
	copy(batch, spans)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingSubmitter) submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, batch := range r.batches {
		total += len(batch)
	}
	return total
}

func TestFlushDrainsBuffer(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{}
	exporter := New(submitter, Options{
		FlushInterval: time.Hour,
		MaxBatchSize:  10,
		Logger:        testLogger(),
	})
	exporter.Start(context.Background())
	defer exporter.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		if !exporter.Enqueue(testSpan(fmt.Sprintf("sp-%d", i))) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if err := exporter.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := submitter.submitted(); got != 5 {
		t.Fatalf("submitted %d spans, want 5", got)
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{}
	exporter := New(submitter, Options{
		FlushInterval: time.Hour,
		MaxBatchSize:  3,
		Logger:        testLogger(),
	})
	exporter.Start(context.Background())
	defer exporter.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		exporter.Enqueue(testSpan(fmt.Sprintf("sp-%d", i)))
	}

	deadline := time.After(2 * time.Second)
	for submitter.submitted() < 3 {
		select {
		case <-deadline:
			t.Fatalf("batch-size trigger did not flush; submitted %d", submitter.submitted())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIntervalTriggersFlush(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{}
	exporter := New(submitter, Options{
		FlushInterval: 20 * time.Millisecond,
		MaxBatchSize:  100,
		Logger:        testLogger(),
	})
	exporter.Start(context.Background())
	defer exporter.Shutdown(context.Background())

	exporter.Enqueue(testSpan("sp-1"))

	deadline := time.After(2 * time.Second)
	for submitter.submitted() < 1 {
		select {
		case <-deadline:
			t.Fatal("interval trigger did not flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{
		fail: func(attempt int) error {
			if attempt <= 2 {
				return &StatusError{StatusCode: http.StatusBadGateway}
			}
			return nil
		},
	}
	exporter := New(submitter, Options{
		FlushInterval: time.Hour,
		MaxBatchSize:  10,
		MaxRetries:    4,
		Logger:        testLogger(),
	})
	exporter.Start(context.Background())
	defer exporter.Shutdown(context.Background())

	exporter.Enqueue(testSpan("sp-1"))
	if err := exporter.Flush(context.Background()); err != nil {
		t.Fatalf("flush after retries: %v", err)
	}
	if got := submitter.submitted(); got != 1 {
		t.Fatalf("submitted %d, want 1", got)
	}
	if submitter.calls != 3 {
		t.Fatalf("submit attempts = %d, want 3", submitter.calls)
	}
}

func TestPermanentErrorStopsRetrying(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{
		fail: func(int) error {
			return &StatusError{StatusCode: http.StatusBadRequest}
		},
	}
	exporter := New(submitter, Options{
		FlushInterval: time.Hour,
		MaxBatchSize:  10,
		MaxRetries:    4,
		Logger:        testLogger(),
	})
	exporter.Start(context.Background())
	defer exporter.Shutdown(context.Background())

	exporter.Enqueue(testSpan("sp-1"))
	if err := exporter.Flush(context.Background()); err == nil {
		t.Fatal("expected flush to surface the permanent error")
	}
	if submitter.calls != 1 {
		t.Fatalf("submit attempts = %d, want 1 for a 400", submitter.calls)
	}

	// The failed batch stays buffered for the next trigger.
	diag := exporter.Diagnostics()
	if diag.BufferDepth != 1 {
		t.Fatalf("buffer depth = %d, want requeued span", diag.BufferDepth)
	}
	if diag.SubmitFailedTotal != 1 {
		t.Fatalf("submit failed total = %d, want 1", diag.SubmitFailedTotal)
	}
}

func TestDropOldestPastCeiling(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{
		fail: func(int) error {
			return &StatusError{StatusCode: http.StatusBadRequest}
		},
	}
	exporter := New(submitter, Options{
		FlushInterval:  time.Hour,
		MaxBatchSize:   4,
		MaxBufferSpans: 4,
		Logger:         testLogger(),
	})
	// Not started: enqueues accumulate without a competing worker drain.

	for i := 0; i < 6; i++ {
		exporter.Enqueue(testSpan(fmt.Sprintf("sp-%d", i)))
	}

	diag := exporter.Diagnostics()
	if diag.BufferDepth != 4 {
		t.Fatalf("buffer depth = %d, want ceiling 4", diag.BufferDepth)
	}
	if diag.DroppedTotal != 2 {
		t.Fatalf("dropped total = %d, want 2", diag.DroppedTotal)
	}
	if diag.PressureState != PressureSaturated {
		t.Fatalf("pressure = %q, want saturated", diag.PressureState)
	}
	if diag.LastDropAt == nil {
		t.Fatal("last drop timestamp not recorded")
	}

	// The survivors are the newest spans.
	batch := exporter.takeBatch()
	if len(batch) != 4 {
		t.Fatalf("batch len = %d", len(batch))
	}
	if batch[0].SpanID != "sp-2" || batch[3].SpanID != "sp-5" {
		t.Fatalf("survivors = %s..%s, want sp-2..sp-5", batch[0].SpanID, batch[3].SpanID)
	}
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{}
	exporter := New(submitter, Options{
		FlushInterval: time.Hour,
		MaxBatchSize:  10,
		Logger:        testLogger(),
	})
	exporter.Start(context.Background())

	exporter.Enqueue(testSpan("sp-1"))
	exporter.Enqueue(testSpan("sp-2"))

	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := submitter.submitted(); got != 2 {
		t.Fatalf("final drain submitted %d, want 2", got)
	}

	if exporter.Enqueue(testSpan("sp-3")) {
		t.Fatal("enqueue after shutdown should be rejected")
	}
}

func TestShutdownWithoutStartStillDrains(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{}
	exporter := New(submitter, Options{Logger: testLogger()})
	exporter.Enqueue(testSpan("sp-1"))

	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := submitter.submitted(); got != 1 {
		t.Fatalf("submitted %d, want 1", got)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", fmt.Errorf("dial tcp: connection refused"), true},
		{"server error", &StatusError{StatusCode: 503}, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"conflict", &StatusError{StatusCode: 409}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHTTPSubmitter(t *testing.T) {
	t.Parallel()

	var gotBody []*span.Span
	var gotContentType string
	var gotTimestamp string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotTimestamp = r.Header.Get("X-Costlens-Client-Timestamp")
		spans, err := span.DecodeBatch(r.Body)
		if err != nil {
			t.Errorf("decode submitted batch: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotBody = spans
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	submitter := &HTTPSubmitter{
		Endpoint: server.URL + "/api/v1/spans",
		Headers:  map[string]string{"Authorization": "Bearer test"},
	}
	if err := submitter.Submit(context.Background(), []*span.Span{testSpan("sp-1")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(gotBody) != 1 || gotBody[0].SpanID != "sp-1" {
		t.Fatalf("server received %+v", gotBody)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotTimestamp == "" {
		t.Fatal("client timestamp header missing")
	}
}

func TestHTTPSubmitterStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	submitter := &HTTPSubmitter{Endpoint: server.URL}
	err := submitter.Submit(context.Background(), []*span.Span{testSpan("sp-1")})
	if err == nil {
		t.Fatal("expected status error")
	}
	if !IsRetryable(err) {
		t.Fatalf("503 should be retryable, got %v", err)
	}
}
