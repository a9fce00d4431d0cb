package tree

import (
	"testing"
	"time"

	"github.com/costlens/costlens/span"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mkSpan(spanID, parentID string, offset time.Duration, cost float64) *span.Span {
	return &span.Span{
		TraceID:      "tr-1",
		SpanID:       spanID,
		ParentSpanID: parentID,
		Kind:         span.KindSection,
		Label:        spanID,
		LabelPath:    spanID,
		Status:       span.StatusOK,
		StartedAt:    baseTime.Add(offset),
		CostUSD:      cost,
	}
}

func collectIDs(nodes []*Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.Span.SpanID)
	}
	return ids
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-12
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBuildSimpleTree(t *testing.T) {
	t.Parallel()

	spans := []*span.Span{
		mkSpan("sp-child-b", "sp-root", 2*time.Second, 0.02),
		mkSpan("sp-root", "", 0, 0.01),
		mkSpan("sp-child-a", "sp-root", time.Second, 0.03),
	}

	forest := Build(spans)
	if len(forest) != 1 {
		t.Fatalf("got %d roots, want 1", len(forest))
	}
	root := forest[0]
	if root.Span.SpanID != "sp-root" {
		t.Fatalf("root = %s", root.Span.SpanID)
	}
	if !equalIDs(collectIDs(root.Children), []string{"sp-child-a", "sp-child-b"}) {
		t.Fatalf("children = %v, want chronological order", collectIDs(root.Children))
	}
}

func TestBuildOrphanBecomesRoot(t *testing.T) {
	t.Parallel()

	spans := []*span.Span{
		mkSpan("sp-root", "", 0, 0),
		mkSpan("sp-orphan", "sp-missing", time.Second, 0),
	}

	forest := Build(spans)
	if !equalIDs(collectIDs(forest), []string{"sp-root", "sp-orphan"}) {
		t.Fatalf("roots = %v, want orphan promoted", collectIDs(forest))
	}
}

func TestBuildDuplicateKeepsFirst(t *testing.T) {
	t.Parallel()

	first := mkSpan("sp-1", "", 0, 0.10)
	second := mkSpan("sp-1", "", time.Minute, 0.99)

	forest := Build([]*span.Span{first, second})
	if len(forest) != 1 {
		t.Fatalf("got %d roots, want duplicate collapsed", len(forest))
	}
	if forest[0].Span.CostUSD != 0.10 {
		t.Fatalf("kept cost = %v, want first occurrence", forest[0].Span.CostUSD)
	}
}

func TestBuildTieBreakBySpanID(t *testing.T) {
	t.Parallel()

	spans := []*span.Span{
		mkSpan("sp-b", "", 0, 0),
		mkSpan("sp-a", "", 0, 0),
	}

	forest := Build(spans)
	if !equalIDs(collectIDs(forest), []string{"sp-a", "sp-b"}) {
		t.Fatalf("roots = %v, want span_id tie-break", collectIDs(forest))
	}
}

func TestBuildCyclePromotedToRoots(t *testing.T) {
	t.Parallel()

	spans := []*span.Span{
		mkSpan("sp-x", "sp-y", 0, 0.01),
		mkSpan("sp-y", "sp-x", time.Second, 0.02),
		mkSpan("sp-root", "", 2*time.Second, 0.04),
	}

	forest := Build(spans)
	ids := collectIDs(forest)
	seen := make(map[string]bool, len(ids))
	total := 0
	var count func([]*Node)
	count = func(nodes []*Node) {
		for _, n := range nodes {
			if seen[n.Span.SpanID] {
				t.Fatalf("span %s appears twice", n.Span.SpanID)
			}
			seen[n.Span.SpanID] = true
			total++
			count(n.Children)
		}
	}
	count(forest)
	if total != 3 {
		t.Fatalf("forest holds %d spans, want all 3", total)
	}
	if !seen["sp-x"] || !seen["sp-y"] {
		t.Fatal("cycle members missing from forest")
	}
}

func TestBuildSelfParentBecomesRoot(t *testing.T) {
	t.Parallel()

	forest := Build([]*span.Span{mkSpan("sp-1", "sp-1", 0, 0)})
	if len(forest) != 1 || forest[0].Span.SpanID != "sp-1" {
		t.Fatalf("forest = %v", collectIDs(forest))
	}
	if len(forest[0].Children) != 0 {
		t.Fatal("self-parented span must not be its own child")
	}
}

func TestSubtreeCostRollUp(t *testing.T) {
	t.Parallel()

	spans := []*span.Span{
		mkSpan("sp-root", "", 0, 0.01),
		mkSpan("sp-mid", "sp-root", time.Second, 0.02),
		mkSpan("sp-leaf", "sp-mid", 2*time.Second, 0.04),
		mkSpan("sp-side", "sp-root", 3*time.Second, 0.08),
	}

	forest := Build(spans)
	if len(forest) != 1 {
		t.Fatalf("got %d roots", len(forest))
	}
	root := forest[0]
	if got, want := root.SubtreeCostUSD, 0.15; !almostEqual(got, want) {
		t.Fatalf("root subtree cost = %v, want %v", got, want)
	}
	mid := root.Children[0]
	if got, want := mid.SubtreeCostUSD, 0.06; !almostEqual(got, want) {
		t.Fatalf("mid subtree cost = %v, want %v", got, want)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	t.Parallel()

	spans := []*span.Span{
		mkSpan("sp-root", "", 0, 0.01),
		mkSpan("sp-child", "sp-root", time.Second, 0.02),
	}

	first := Build(spans)
	second := Build(spans)
	if first[0].SubtreeCostUSD != second[0].SubtreeCostUSD {
		t.Fatalf("roll-up differs between builds: %v vs %v",
			first[0].SubtreeCostUSD, second[0].SubtreeCostUSD)
	}
	if TotalCost(first) != TotalCost(second) {
		t.Fatal("total cost differs between builds")
	}
}

func TestTotalCost(t *testing.T) {
	t.Parallel()

	spanA := mkSpan("sp-a", "", 0, 0.05)
	spanB := mkSpan("sp-b", "", time.Second, 0.07)
	forest := Build([]*span.Span{spanA, spanB})
	if got, want := TotalCost(forest), 0.12; !almostEqual(got, want) {
		t.Fatalf("total = %v, want %v", got, want)
	}

	if TotalCost(nil) != 0 {
		t.Fatal("empty forest should cost zero")
	}
}

func TestBuildEmptyAndNilSpans(t *testing.T) {
	t.Parallel()

	if Build(nil) != nil {
		t.Fatal("nil input should yield nil forest")
	}
	forest := Build([]*span.Span{nil, mkSpan("sp-1", "", 0, 0)})
	if len(forest) != 1 {
		t.Fatalf("nil entries should be skipped, got %d roots", len(forest))
	}
}
