// Package tracectx carries the active label stack through context.Context.
// Each logical execution line observes only its own stack: values flow to
// derived contexts and across suspension points, never ambiently between
// unrelated goroutines. Hand-off to another execution unit is explicit via
// Export/Import.
package tracectx

import (
	"context"
	"strings"
)

// Frame is one active label on the stack: the section's label, the span id
// of the section span that opened it, and optional caller metadata.
type Frame struct {
	Label    string            `json:"label"`
	SpanID   string            `json:"span_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type contextKey struct{}

var stackContextKey contextKey

// node is an immutable persistent-stack cell; Push and Pop are O(1) and
// never mutate frames observed by sibling contexts.
type node struct {
	frame  Frame
	parent *node
	depth  int
}

type state struct {
	traceID string
	top     *node
}

func stateFrom(ctx context.Context) *state {
	if ctx == nil {
		return nil
	}
	value, _ := ctx.Value(stackContextKey).(*state)
	return value
}

// Push enters a labeled section. The first push on a context establishes
// the trace id shared by every span recorded beneath it.
func Push(ctx context.Context, frame Frame, newTraceID func() string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	prev := stateFrom(ctx)

	next := &state{}
	if prev != nil && prev.traceID != "" {
		next.traceID = prev.traceID
	} else if newTraceID != nil {
		next.traceID = newTraceID()
	}

	depth := 1
	var parent *node
	if prev != nil && prev.top != nil {
		parent = prev.top
		depth = prev.top.depth + 1
	}
	next.top = &node{frame: frame, parent: parent, depth: depth}
	return context.WithValue(ctx, stackContextKey, next)
}

// Pop leaves the innermost section. The second return is false when the
// stack is already empty, which is a caller bug: the context is returned
// unchanged so application code keeps working.
func Pop(ctx context.Context) (context.Context, bool) {
	prev := stateFrom(ctx)
	if prev == nil || prev.top == nil {
		return ctx, false
	}
	next := &state{traceID: prev.traceID, top: prev.top.parent}
	return context.WithValue(ctx, stackContextKey, next), true
}

// Frames returns a snapshot of the active stack, outermost first. The
// returned slice is a copy; concurrent executions cannot mutate it.
func Frames(ctx context.Context) []Frame {
	current := stateFrom(ctx)
	if current == nil || current.top == nil {
		return nil
	}
	frames := make([]Frame, current.top.depth)
	for n := current.top; n != nil; n = n.parent {
		frames[n.depth-1] = n.frame
	}
	return frames
}

// Innermost returns the most recently pushed frame.
func Innermost(ctx context.Context) (Frame, bool) {
	current := stateFrom(ctx)
	if current == nil || current.top == nil {
		return Frame{}, false
	}
	return current.top.frame, true
}

// Depth returns the number of active frames.
func Depth(ctx context.Context) int {
	current := stateFrom(ctx)
	if current == nil || current.top == nil {
		return 0
	}
	return current.top.depth
}

// ActiveTraceID returns the trace id established by the outermost frame.
func ActiveTraceID(ctx context.Context) (string, bool) {
	current := stateFrom(ctx)
	if current == nil || current.traceID == "" {
		return "", false
	}
	return current.traceID, true
}

// LabelPath joins the active labels outermost-first with slashes.
func LabelPath(ctx context.Context) string {
	frames := Frames(ctx)
	if len(frames) == 0 {
		return ""
	}
	labels := make([]string, 0, len(frames))
	for _, frame := range frames {
		label := strings.TrimSpace(frame.Label)
		if label == "" {
			continue
		}
		labels = append(labels, label)
	}
	return strings.Join(labels, "/")
}
