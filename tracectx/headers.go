package tracectx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outbound identifying headers. The exact strings are a contract with the
// collector service; receiving services use them to correlate work they
// perform on behalf of a traced call.
const (
	HeaderTraceID      = "X-Costlens-Trace-ID"
	HeaderSpanID       = "X-Costlens-Span-ID"
	HeaderParentSpanID = "X-Costlens-Parent-Span-ID"
	HeaderLabelPath    = "X-Costlens-Label-Path"
	HeaderTimestamp    = "X-Costlens-Timestamp"
	HeaderEndUserID    = "X-Costlens-End-User-ID"
)

const maxHeaderValueLen = 512

// HeaderSet is the identifying metadata attached to one outbound call.
type HeaderSet struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	LabelPath    string
	Timestamp    time.Time
	EndUserID    string
}

// Inject writes the identifying headers onto h. Call semantics are
// otherwise untouched; the timestamp lets the collector detect clock skew.
func (hs HeaderSet) Inject(h http.Header) {
	if h == nil {
		return
	}
	setHeader(h, HeaderTraceID, hs.TraceID)
	setHeader(h, HeaderSpanID, hs.SpanID)
	setHeader(h, HeaderParentSpanID, hs.ParentSpanID)
	setHeader(h, HeaderLabelPath, hs.LabelPath)
	setHeader(h, HeaderEndUserID, hs.EndUserID)
	if !hs.Timestamp.IsZero() {
		h.Set(HeaderTimestamp, strconv.FormatInt(hs.Timestamp.UTC().UnixMilli(), 10))
	}
}

// ExtractHeaders reads identifying headers from an inbound request so a
// receiving service can continue the sender's trace.
func ExtractHeaders(h http.Header) HeaderSet {
	if h == nil {
		return HeaderSet{}
	}
	hs := HeaderSet{
		TraceID:      normalizeHeaderValue(h.Get(HeaderTraceID)),
		SpanID:       normalizeHeaderValue(h.Get(HeaderSpanID)),
		ParentSpanID: normalizeHeaderValue(h.Get(HeaderParentSpanID)),
		LabelPath:    normalizeHeaderValue(h.Get(HeaderLabelPath)),
		EndUserID:    normalizeHeaderValue(h.Get(HeaderEndUserID)),
	}
	if raw := strings.TrimSpace(h.Get(HeaderTimestamp)); raw != "" {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil && millis > 0 {
			hs.Timestamp = time.UnixMilli(millis).UTC()
		}
	}
	return hs
}

func setHeader(h http.Header, name, value string) {
	value = normalizeHeaderValue(value)
	if value == "" {
		return
	}
	h.Set(name, value)
}

// normalizeHeaderValue bounds length and rejects values that could carry
// header or log injection.
func normalizeHeaderValue(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxHeaderValueLen {
		value = value[:maxHeaderValueLen]
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return ""
		}
	}
	return value
}
