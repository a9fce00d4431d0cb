package costlens

import (
	"context"
	"sync"
	"time"

	"github.com/costlens/costlens/span"
	"github.com/costlens/costlens/tracectx"
)

// EndFunc closes a section or workflow span. Calling it more than once
// is a logged no-op.
type EndFunc func()

// Workflow opens a root-level span for an orchestration unit. It behaves
// like Section but records the span with the workflow kind, which the
// collector treats as the top of a trace tree.
func (c *Client) Workflow(ctx context.Context, label string) (context.Context, EndFunc) {
	return c.open(ctx, label, span.KindWorkflow)
}

// Section opens a labeled span around a region of work. Every traced
// call made with the returned context becomes a child of this section.
// The returned EndFunc must be called when the region finishes,
// typically via defer.
func (c *Client) Section(ctx context.Context, label string) (context.Context, EndFunc) {
	return c.open(ctx, label, span.KindSection)
}

func (c *Client) open(ctx context.Context, label string, kind span.Kind) (context.Context, EndFunc) {
	if !c.enabled.Load() {
		return ctx, func() {}
	}
	if label == "" {
		label = span.UntrackedLabel
	}

	spanID := span.NewSpanID()
	parentSpanID := ""
	if frame, ok := tracectx.Innermost(ctx); ok {
		parentSpanID = frame.SpanID
	}
	ctx = tracectx.Push(ctx, tracectx.Frame{Label: label, SpanID: spanID}, span.NewTraceID)
	traceID, _ := tracectx.ActiveTraceID(ctx)

	s := &span.Span{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		Kind:         kind,
		Label:        label,
		LabelPath:    tracectx.LabelPath(ctx),
		Status:       span.StatusOK,
		StartedAt:    time.Now().UTC(),
		EndUserID:    c.cfg.EndUserID,
	}

	var once sync.Once
	start := time.Now()
	end := func() {
		fired := false
		once.Do(func() {
			fired = true
			s.LatencyMS = time.Since(start).Milliseconds()
			c.record(s)
		})
		if !fired {
			c.logger.Warn("section ended twice", "label", label, "span_id", spanID)
		}
	}
	return ctx, end
}
