// Package store persists ingested spans for the collector and answers
// trace and cost queries over them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/costlens/costlens/span"
)

var (
	ErrNotFound      = errors.New("span store record not found")
	ErrInvalidCursor = errors.New("span cursor is invalid")
)

// IngestStats reports what one ingest call did. Duplicates are re-submitted
// spans the store already held: retried flushes are expected, so a
// duplicate is a no-op, never an error.
type IngestStats struct {
	Accepted   int
	Duplicates int
}

// Filter narrows span queries. Zero fields are unrestricted.
type Filter struct {
	TraceID  string
	Provider string
	Model    string
	Label    string
	Kind     string
	Status   string
	From     time.Time
	To       time.Time
	Limit    int
	Cursor   string
}

// Result is one page of spans with an opaque continuation cursor.
type Result struct {
	Items      []*span.Span
	NextCursor string
}

// CostSummary aggregates priced and unpriced cost over a filter window.
// UnpricedSpans lets the UI distinguish "genuinely zero" from "rate
// unknown".
type CostSummary struct {
	TotalCostUSD  float64
	SpanCount     int64
	UnpricedSpans int64
}

// UsageSummary aggregates token counts over a filter window.
type UsageSummary struct {
	TotalInputTokens       int64
	TotalOutputTokens      int64
	TotalCachedInputTokens int64
	TotalCallCount         int64
}

// GroupCost is one row of a grouped cost breakdown.
type GroupCost struct {
	Group         string
	SpanCount     int64
	TotalCostUSD  float64
	UnpricedSpans int64
}

// Grouping dimensions accepted by CostByGroup.
const (
	GroupByProvider = "provider"
	GroupByModel    = "model"
	GroupByLabel    = "label"
	GroupByKind     = "kind"
)

// Store is the collector's span persistence interface.
type Store interface {
	// IngestSpans stores a batch idempotently, keyed on (trace_id, span_id).
	IngestSpans(ctx context.Context, spans []*span.Span) (IngestStats, error)
	GetSpan(ctx context.Context, traceID, spanID string) (*span.Span, error)
	// TraceSpans returns every span of a trace ordered by started_at
	// then span_id, the input the tree builder expects.
	TraceSpans(ctx context.Context, traceID string) ([]*span.Span, error)
	QuerySpans(ctx context.Context, filter Filter) (*Result, error)
	CostSummary(ctx context.Context, filter Filter) (*CostSummary, error)
	UsageSummary(ctx context.Context, filter Filter) (*UsageSummary, error)
	CostByGroup(ctx context.Context, filter Filter, groupBy string) ([]GroupCost, error)
	Ping(ctx context.Context) error
	Close() error
}
