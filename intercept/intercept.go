// Package intercept wraps an http.RoundTripper so every outbound call a
// host application makes is measured, classified, and recorded as a span.
// Wrapping is the sanctioned extension point: code opts in by using a
// traced client, nothing is patched at import time.
//
// Interception is fail-open: a tracing failure never prevents or alters
// the underlying call, and call errors are returned to the caller
// unchanged.
package intercept

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/costlens/costlens/providers"
	"github.com/costlens/costlens/span"
	"github.com/costlens/costlens/tracectx"
)

// Recorder receives finalized spans. Implementations must not block: the
// SDK's recorder prices the span and appends it to the export buffer.
type Recorder interface {
	Record(s *span.Span)
}

// Options configures a Transport.
type Options struct {
	// Rules classify destinations; nil means DefaultRules.
	Rules []Rule
	// Parsers extract usage from known response shapes; nil means
	// providers.DefaultRegistry.
	Parsers *providers.Registry
	// Recorder receives every finalized span.
	Recorder Recorder
	Logger   *slog.Logger
	// EndUserID, when set, is attached to spans and outbound headers.
	EndUserID string
	// MaxCaptureBytes caps how much response body is buffered for usage
	// extraction. The caller always receives the full body regardless.
	MaxCaptureBytes int
	// Now is swappable for tests.
	Now func() time.Time
}

const defaultMaxCaptureBytes = 1 << 20

// Transport is the interceptor. It implements http.RoundTripper.
type Transport struct {
	base     http.RoundTripper
	rules    []Rule
	parsers  *providers.Registry
	recorder Recorder
	logger   *slog.Logger
	opts     Options
	disabled atomic.Bool
	now      func() time.Time
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts Options) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Parsers == nil {
		opts.Parsers = providers.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxCaptureBytes <= 0 {
		opts.MaxCaptureBytes = defaultMaxCaptureBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transport{
		base:     base,
		rules:    opts.Rules,
		parsers:  opts.Parsers,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		opts:     opts,
		now:      opts.Now,
	}
}

// SetEnabled toggles interception at runtime. Disabled transports pass
// calls straight through to the base round tripper.
func (t *Transport) SetEnabled(enabled bool) {
	t.disabled.Store(!enabled)
}

// call holds the per-request tracing state assembled before the call runs.
type call struct {
	span   *span.Span
	parser providers.Parser
	start  time.Time
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.disabled.Load() || t.recorder == nil {
		return t.base.RoundTrip(req)
	}

	pending, tracedReq := t.prepare(req)
	if tracedReq != nil {
		req = tracedReq
	}

	resp, err := t.base.RoundTrip(req)

	if pending == nil {
		// Preparation failed; the call already ran untouched.
		return resp, err
	}

	latency := t.now().Sub(pending.start)
	if err != nil {
		pending.span.LatencyMS = latency.Milliseconds()
		pending.span.Status = callErrorStatus(req.Context(), err)
		t.recorder.Record(pending.span)
		return resp, err
	}

	return t.observeResponse(pending, resp), nil
}

// prepare snapshots the active context and builds the pending span. Any
// failure here is logged and swallowed; the call proceeds untracked.
func (t *Transport) prepare(req *http.Request) (pending *call, tracedReq *http.Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Warn("span preparation failed, call proceeds untracked", "panic", recovered)
			pending = nil
			tracedReq = nil
		}
	}()

	ctx := req.Context()
	start := t.now()

	traceID, ok := tracectx.ActiveTraceID(ctx)
	if !ok {
		// Each untracked call is its own single-span trace.
		traceID = span.NewTraceID()
	}

	parentSpanID := ""
	label := span.UntrackedLabel
	if frame, ok := tracectx.Innermost(ctx); ok {
		parentSpanID = frame.SpanID
		if frame.Label != "" {
			label = frame.Label
		}
	}
	labelPath := tracectx.LabelPath(ctx)
	if labelPath == "" {
		labelPath = span.UntrackedLabel
	}

	pendingSpan := &span.Span{
		TraceID:      traceID,
		SpanID:       span.NewSpanID(),
		ParentSpanID: parentSpanID,
		Kind:         span.KindHTTPFallback,
		Label:        label,
		LabelPath:    labelPath,
		Status:       span.StatusOK,
		StartedAt:    start.UTC(),
		EndUserID:    t.opts.EndUserID,
	}

	var parser providers.Parser
	if rule, ok := classify(t.rules, req.URL.Hostname()); ok {
		pendingSpan.Kind = rule.Kind
		pendingSpan.Provider = rule.Provider
		pendingSpan.Model = rule.DefaultModel
		if rule.Parser != "" {
			parser, _ = t.parsers.Get(rule.Parser)
		}
	}

	out := req.Clone(ctx)
	tracectx.HeaderSet{
		TraceID:      pendingSpan.TraceID,
		SpanID:       pendingSpan.SpanID,
		ParentSpanID: pendingSpan.ParentSpanID,
		LabelPath:    pendingSpan.LabelPath,
		Timestamp:    start,
		EndUserID:    t.opts.EndUserID,
	}.Inject(out.Header)

	return &call{span: pendingSpan, parser: parser, start: start}, out
}

// observeResponse finalizes the span from the response. Buffered responses
// finalize immediately; streaming responses finalize when the caller
// closes the body, so streamed usage chunks are seen.
func (t *Transport) observeResponse(pending *call, resp *http.Response) *http.Response {
	pending.span.Status = span.StatusOK
	if resp.StatusCode >= 400 {
		pending.span.Status = span.StatusError
	}

	if isEventStream(resp.Header) && pending.parser != nil {
		resp.Body = newStreamBody(resp.Body, t.opts.MaxCaptureBytes, func(captured []byte) {
			t.finalizeStream(pending, captured)
		})
		return resp
	}

	if pending.parser != nil && resp.Body != nil {
		captured, restored := captureBody(resp.Body, t.opts.MaxCaptureBytes)
		resp.Body = restored
		if data, err := pending.parser.ParseResponse(resp.StatusCode, resp.Header, captured); err == nil && data != nil {
			if data.Model != "" {
				pending.span.Model = data.Model
			}
			pending.span.Usage = data.Usage
		}
	}

	t.finalize(pending)
	return resp
}

func (t *Transport) finalizeStream(pending *call, captured []byte) {
	if data, err := pending.parser.ParseStreamChunk(captured); err == nil && data != nil {
		if data.Model != "" {
			pending.span.Model = data.Model
		}
		pending.span.Usage = data.Usage
	}
	t.finalize(pending)
}

func (t *Transport) finalize(pending *call) {
	pending.span.LatencyMS = t.now().Sub(pending.start).Milliseconds()
	t.recorder.Record(pending.span)
}

func callErrorStatus(ctx context.Context, err error) span.Status {
	if ctx != nil && ctx.Err() != nil {
		return span.StatusCancelled
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return span.StatusCancelled
	}
	return span.StatusError
}
