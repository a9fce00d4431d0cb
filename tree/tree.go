// Package tree reconstructs an unordered collection of spans into a forest
// for display and cost roll-up. The input may be incomplete: a span whose
// parent has not arrived (or never will) is promoted to a root rather than
// treated as an error.
package tree

import "github.com/costlens/costlens/span"

// Node is one span placed in its reconstructed tree. SubtreeCostUSD is the
// node's own cost plus the cost of all descendants.
type Node struct {
	Span           *span.Span `json:"span"`
	Children       []*Node    `json:"children,omitempty"`
	SubtreeCostUSD float64    `json:"subtree_cost_usd"`
}

// Build assembles the forest. Policy:
//   - duplicate (trace_id, span_id) pairs keep the first occurrence;
//   - a span is a child of its parent only when the parent is present in
//     the input, else it is a root even with a non-empty parent_span_id;
//   - children and roots are ordered chronologically by started_at with
//     span_id as the deterministic tie-break;
//   - members of a reference cycle (malformed data) are promoted to roots
//     so every input span appears exactly once.
//
// Build is pure: calling it again over the same spans yields the same
// forest and the same rolled-up costs.
func Build(spans []*span.Span) []*Node {
	if len(spans) == 0 {
		return nil
	}

	nodes := make([]*Node, 0, len(spans))
	index := make(map[span.Key]*Node, len(spans))
	for _, s := range spans {
		if s == nil {
			continue
		}
		key := s.Key()
		if _, exists := index[key]; exists {
			continue
		}
		node := &Node{Span: s}
		index[key] = node
		nodes = append(nodes, node)
	}

	var roots []*Node
	parents := make(map[*Node]*Node, len(nodes))
	for _, node := range nodes {
		parentID := node.Span.ParentSpanID
		if parentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := index[span.Key{TraceID: node.Span.TraceID, SpanID: parentID}]
		if !ok || parent == node {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
		parents[node] = parent
	}

	// Walk from the roots; anything unreachable sits on a parent cycle and
	// gets detached into a root of its own.
	visited := make(map[*Node]bool, len(nodes))
	var walk func(*Node)
	walk = func(node *Node) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, child := range node.Children {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	for _, node := range nodes {
		if visited[node] {
			continue
		}
		if parent := parents[node]; parent != nil {
			parent.Children = removeChild(parent.Children, node)
		}
		roots = append(roots, node)
		walk(node)
	}

	for _, node := range nodes {
		sortNodes(node.Children)
	}
	sortNodes(roots)

	for _, root := range roots {
		rollUp(root)
	}
	return roots
}

// TotalCost sums the subtree costs of every root in the forest.
func TotalCost(forest []*Node) float64 {
	total := 0.0
	for _, root := range forest {
		total += root.SubtreeCostUSD
	}
	return total
}

func rollUp(node *Node) float64 {
	total := node.Span.CostUSD
	for _, child := range node.Children {
		total += rollUp(child)
	}
	node.SubtreeCostUSD = total
	return total
}

func sortNodes(nodes []*Node) {
	// Insertion sort keeps this allocation-free; sibling lists are short.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodeLess(nodes[j], nodes[j-1]); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func nodeLess(a, b *Node) bool {
	if !a.Span.StartedAt.Equal(b.Span.StartedAt) {
		return a.Span.StartedAt.Before(b.Span.StartedAt)
	}
	if a.Span.TraceID != b.Span.TraceID {
		return a.Span.TraceID < b.Span.TraceID
	}
	return a.Span.SpanID < b.Span.SpanID
}

func removeChild(children []*Node, target *Node) []*Node {
	for i, child := range children {
		if child == target {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}
