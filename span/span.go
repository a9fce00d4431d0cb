// Package span defines the unit of traced work shared by the client SDK
// and the collector: one Span per intercepted call or labeled section.
package span

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UntrackedLabel is assigned to spans produced outside any labeled section.
const UntrackedLabel = "untracked"

// Kind classifies what a span measured.
type Kind string

const (
	KindWorkflow     Kind = "workflow"
	KindLLMCall      Kind = "llm_call"
	KindVectorDBCall Kind = "vector_db_call"
	KindToolCall     Kind = "tool_call"
	KindSection      Kind = "section"
	KindHTTPFallback Kind = "http_fallback"
)

// Status is the terminal outcome of a span.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Usage carries the provider-reported counts a span is priced from.
// Token counts apply to LLM calls; CallCount applies to per-operation
// providers such as vector databases.
type Usage struct {
	InputTokens       int `json:"input_tokens,omitempty"`
	OutputTokens      int `json:"output_tokens,omitempty"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	CallCount         int `json:"call_count,omitempty"`
}

// IsZero reports whether no usage was observed at all.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CachedInputTokens == 0 && u.CallCount == 0
}

// TotalTokens returns the combined token count for display purposes.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CachedInputTokens
}

// Span is one recorded unit of traced work. A span is created once at
// call-start or section-entry, finalized once at completion, and is
// immutable afterwards.
type Span struct {
	TraceID      string    `json:"trace_id"`
	SpanID       string    `json:"span_id"`
	ParentSpanID string    `json:"parent_span_id,omitempty"`
	Kind         Kind      `json:"kind"`
	Label        string    `json:"label"`
	LabelPath    string    `json:"label_path"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Usage        Usage     `json:"usage"`
	CostUSD      float64   `json:"cost_usd"`
	Unpriced     bool      `json:"unpriced,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndUserID    string    `json:"end_user_id,omitempty"`
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return "tr-" + uuid.NewString()
}

// NewSpanID returns a fresh span identifier.
func NewSpanID() string {
	return "sp-" + uuid.NewString()
}

// ValidKinds lists every accepted span kind.
var ValidKinds = []Kind{
	KindWorkflow,
	KindLLMCall,
	KindVectorDBCall,
	KindToolCall,
	KindSection,
	KindHTTPFallback,
}

func validKind(k Kind) bool {
	for _, candidate := range ValidKinds {
		if k == candidate {
			return true
		}
	}
	return false
}

func validStatus(s Status) bool {
	return s == StatusOK || s == StatusError || s == StatusCancelled
}

// Validate rejects spans that do not satisfy the closed schema. Malformed
// spans fail at the ingestion boundary instead of propagating.
func (s *Span) Validate() error {
	if s == nil {
		return fmt.Errorf("span is nil")
	}
	if strings.TrimSpace(s.TraceID) == "" {
		return fmt.Errorf("span trace_id is required")
	}
	if strings.TrimSpace(s.SpanID) == "" {
		return fmt.Errorf("span span_id is required")
	}
	if !validKind(s.Kind) {
		return fmt.Errorf("span kind %q is not recognized", s.Kind)
	}
	if !validStatus(s.Status) {
		return fmt.Errorf("span status %q is not recognized", s.Status)
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("span started_at is required")
	}
	if s.CostUSD < 0 {
		return fmt.Errorf("span cost_usd cannot be negative")
	}
	return nil
}

// Normalize fills fallback fields so stored spans are uniform: empty
// labels become "untracked" and timestamps are coerced to UTC.
func (s *Span) Normalize() {
	if s == nil {
		return
	}
	if strings.TrimSpace(s.Label) == "" {
		s.Label = UntrackedLabel
	}
	if strings.TrimSpace(s.LabelPath) == "" {
		s.LabelPath = s.Label
	}
	if s.Status == "" {
		s.Status = StatusOK
	}
	s.StartedAt = s.StartedAt.UTC()
}

// Key identifies a span globally; ingestion is idempotent on this pair.
type Key struct {
	TraceID string
	SpanID  string
}

// Key returns the span's identity key.
func (s *Span) Key() Key {
	return Key{TraceID: s.TraceID, SpanID: s.SpanID}
}
