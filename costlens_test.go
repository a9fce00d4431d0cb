package costlens

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/costlens/costlens/export"
	"github.com/costlens/costlens/intercept"
	"github.com/costlens/costlens/span"
)

type memorySubmitter struct {
	mu    sync.Mutex
	spans []*span.Span
}

func (m *memorySubmitter) Submit(_ context.Context, spans []*span.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *memorySubmitter) all() []*span.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*span.Span, len(m.spans))
	copy(out, m.spans)
	return out
}

func (m *memorySubmitter) byLabel(label string) *span.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.spans {
		if s.Label == label {
			return s
		}
	}
	return nil
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *memorySubmitter) {
	t.Helper()
	submitter := &memorySubmitter{}
	opts = append([]Option{
		WithSubmitter(submitter),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	client, err := New(Config{FlushInterval: time.Hour}, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { client.Shutdown(context.Background()) })
	return client, submitter
}

func TestNewValidatesEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("missing collector endpoint must be rejected")
	}
	if _, err := New(Config{CollectorEndpoint: "ftp://collector"}); err == nil {
		t.Fatal("non-http endpoint must be rejected")
	}
	if _, err := New(Config{CollectorEndpoint: "http://collector:8080/api/v1/spans", MaxBatchSize: 100, MaxBufferSpans: 50}); err == nil {
		t.Fatal("buffer ceiling below batch size must be rejected")
	}
}

func TestSectionRecordsNestedSpans(t *testing.T) {
	t.Parallel()
	client, submitter := newTestClient(t)

	ctx, endWorkflow := client.Workflow(context.Background(), "pipeline")
	inner, endSection := client.Section(ctx, "summarize")
	endSection()
	endWorkflow()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	workflow := submitter.byLabel("pipeline")
	section := submitter.byLabel("summarize")
	if workflow == nil || section == nil {
		t.Fatalf("spans missing: %+v", submitter.all())
	}
	if workflow.Kind != span.KindWorkflow || section.Kind != span.KindSection {
		t.Fatalf("kinds = %q / %q", workflow.Kind, section.Kind)
	}
	if section.TraceID != workflow.TraceID {
		t.Fatal("section must share the workflow trace")
	}
	if section.ParentSpanID != workflow.SpanID {
		t.Fatalf("section parent = %q, want workflow span %q", section.ParentSpanID, workflow.SpanID)
	}
	if section.LabelPath != "pipeline/summarize" {
		t.Fatalf("label path = %q", section.LabelPath)
	}
	_ = inner
}

func TestSectionEndIsIdempotent(t *testing.T) {
	t.Parallel()
	client, submitter := newTestClient(t)

	_, end := client.Section(context.Background(), "once")
	end()
	end()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := len(submitter.all()); got != 1 {
		t.Fatalf("recorded %d spans, want double-end ignored", got)
	}
}

func TestKillSwitch(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, submitter := newTestClient(t)
	httpClient := client.HTTPClient(nil)

	client.SetEnabled(false)
	if client.Enabled() {
		t.Fatal("kill-switch did not report off")
	}

	ctx, end := client.Section(context.Background(), "ignored")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("call while disabled: %v", err)
	}
	resp.Body.Close()
	end()

	client.SetEnabled(true)
	_, end = client.Section(context.Background(), "tracked")
	end()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if submitter.byLabel("ignored") != nil {
		t.Fatal("disabled client must not record sections")
	}
	if submitter.byLabel("tracked") == nil {
		t.Fatal("re-enabled client must record again")
	}
}

func TestInterceptedCallIsPriced(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o",
			"usage": {"prompt_tokens": 1000, "completion_tokens": 200}
		}`))
	}))
	defer server.Close()

	client, submitter := newTestClient(t, WithRules([]intercept.Rule{
		{HostContains: "127.0.0.1", Provider: "openai", Kind: span.KindLLMCall, Parser: "openai"},
	}))

	ctx, end := client.Section(context.Background(), "chat")
	httpClient := client.HTTPClient(nil)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/v1/chat/completions", strings.NewReader("{}"))
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	resp.Body.Close()
	end()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var llm *span.Span
	for _, s := range submitter.all() {
		if s.Kind == span.KindLLMCall {
			llm = s
		}
	}
	if llm == nil {
		t.Fatalf("no llm span recorded: %+v", submitter.all())
	}
	// 1000 input at 0.000005 plus 200 output at 0.000015.
	want := 0.008
	if diff := llm.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", llm.CostUSD, want)
	}
	if llm.Unpriced {
		t.Fatal("priced call marked unpriced")
	}
	if llm.Label != "chat" {
		t.Fatalf("label = %q, want enclosing section", llm.Label)
	}
}

func TestUnknownModelIsMarkedUnpriced(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "experimental-preview-1",
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`))
	}))
	defer server.Close()

	client, submitter := newTestClient(t, WithRules([]intercept.Rule{
		{HostContains: "127.0.0.1", Provider: "openai", Kind: span.KindLLMCall, Parser: "openai"},
	}))

	httpClient := client.HTTPClient(nil)
	resp, err := httpClient.Get(server.URL)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	resp.Body.Close()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := submitter.all()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans", len(spans))
	}
	if !spans[0].Unpriced || spans[0].CostUSD != 0 {
		t.Fatalf("span = unpriced %v cost %v, want unpriced zero", spans[0].Unpriced, spans[0].CostUSD)
	}
}

func TestShutdownDrainsBufferedSpans(t *testing.T) {
	t.Parallel()
	submitter := &memorySubmitter{}
	client, err := New(Config{FlushInterval: time.Hour},
		WithSubmitter(submitter),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, end := client.Section(context.Background(), "tail")
	end()
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if submitter.byLabel("tail") == nil {
		t.Fatal("shutdown must drain the tail of the buffer")
	}
}

func TestEndUserIDPropagates(t *testing.T) {
	t.Parallel()
	submitter := &memorySubmitter{}
	client, err := New(Config{FlushInterval: time.Hour, EndUserID: "user-7"},
		WithSubmitter(submitter),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { client.Shutdown(context.Background()) })

	_, end := client.Section(context.Background(), "personalize")
	end()
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	s := submitter.byLabel("personalize")
	if s == nil || s.EndUserID != "user-7" {
		t.Fatalf("span = %+v, want end user attached", s)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "costlens.yaml")
	content := `
collector_endpoint: http://collector:8080/api/v1/spans
flush_interval: 2s
max_batch_size: 32
end_user_id: team-billing
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CollectorEndpoint != "http://collector:8080/api/v1/spans" {
		t.Fatalf("endpoint = %q", cfg.CollectorEndpoint)
	}
	if cfg.FlushInterval != 2*time.Second || cfg.MaxBatchSize != 32 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxBufferSpans != 2048 {
		t.Fatalf("buffer ceiling = %d, want default filled in", cfg.MaxBufferSpans)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDiagnosticsExposed(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	_, end := client.Section(context.Background(), "buffered")
	end()

	diag := client.Diagnostics()
	if diag.BufferCapacity == 0 {
		t.Fatalf("diagnostics = %+v", diag)
	}
	if diag.PressureState != export.PressureOK {
		t.Fatalf("pressure = %q", diag.PressureState)
	}
}

func TestVectorDBCallIsPriced(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matches": [], "usage": {"readUnits": 5}}`))
	}))
	defer server.Close()

	client, submitter := newTestClient(t, WithRules([]intercept.Rule{
		{HostContains: "127.0.0.1", Provider: "pinecone", Kind: span.KindVectorDBCall, Parser: "pinecone", DefaultModel: "serverless"},
	}))

	httpClient := client.HTTPClient(nil)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/query", strings.NewReader("{}"))
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	resp.Body.Close()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := submitter.all()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans", len(spans))
	}
	if spans[0].Model != "serverless" {
		t.Fatalf("model = %q, want the rule's pricing key", spans[0].Model)
	}
	if spans[0].Unpriced {
		t.Fatal("vector call with a matching rate record marked unpriced")
	}
	// 5 read units at 0.0004 per call.
	want := 0.002
	if diff := spans[0].CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", spans[0].CostUSD, want)
	}
}

func TestModelLessResponseIsMarkedUnpriced(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage": {"prompt_tokens": 10, "completion_tokens": 5}}`))
	}))
	defer server.Close()

	client, submitter := newTestClient(t, WithRules([]intercept.Rule{
		{HostContains: "127.0.0.1", Provider: "openai", Kind: span.KindLLMCall, Parser: "openai"},
	}))

	httpClient := client.HTTPClient(nil)
	resp, err := httpClient.Get(server.URL)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	resp.Body.Close()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := submitter.all()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans", len(spans))
	}
	if !spans[0].Unpriced || spans[0].CostUSD != 0 {
		t.Fatalf("span = unpriced %v cost %v, want usage without a model flagged", spans[0].Unpriced, spans[0].CostUSD)
	}
}

func TestThreeLevelNestingAttributesInnermost(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model": "gpt-4o", "usage": {"prompt_tokens": 10, "completion_tokens": 2}}`))
	}))
	defer server.Close()

	client, submitter := newTestClient(t, WithRules([]intercept.Rule{
		{HostContains: "127.0.0.1", Provider: "openai", Kind: span.KindLLMCall, Parser: "openai"},
	}))

	ctx, endIngest := client.Workflow(context.Background(), "ingest")
	ctx, endChunk := client.Section(ctx, "chunk")
	ctx, endEmbed := client.Section(ctx, "embed")

	httpClient := client.HTTPClient(nil)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/v1/chat/completions", strings.NewReader("{}"))
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	resp.Body.Close()
	endEmbed()
	endChunk()
	endIngest()

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ingest := submitter.byLabel("ingest")
	chunk := submitter.byLabel("chunk")
	embed := submitter.byLabel("embed")
	if ingest == nil || chunk == nil || embed == nil {
		t.Fatalf("section spans missing: %+v", submitter.all())
	}
	var llm *span.Span
	for _, s := range submitter.all() {
		if s.Kind == span.KindLLMCall {
			llm = s
		}
	}
	if llm == nil {
		t.Fatalf("no llm span recorded: %+v", submitter.all())
	}

	if chunk.ParentSpanID != ingest.SpanID || embed.ParentSpanID != chunk.SpanID {
		t.Fatalf("section lineage = %q <- %q <- %q", ingest.SpanID, chunk.ParentSpanID, embed.ParentSpanID)
	}
	if embed.LabelPath != "ingest/chunk/embed" {
		t.Fatalf("section label path = %q", embed.LabelPath)
	}
	if llm.LabelPath != "ingest/chunk/embed" {
		t.Fatalf("call label path = %q, want full stack", llm.LabelPath)
	}
	if llm.ParentSpanID != embed.SpanID {
		t.Fatalf("call parent = %q, want innermost section %q", llm.ParentSpanID, embed.SpanID)
	}
	for _, s := range []*span.Span{chunk, embed, llm} {
		if s.TraceID != ingest.TraceID {
			t.Fatalf("span %q trace = %q, want %q", s.Label, s.TraceID, ingest.TraceID)
		}
	}
}
