package tracectx

import (
	"context"
	"encoding/json"
	"fmt"
)

// Carrier is a serializable snapshot of the active context, used to hand a
// trace across execution units (background workers, queued jobs, other
// processes). Inheritance is never implicit: the sender calls Export and
// the receiver calls Import.
type Carrier struct {
	TraceID string  `json:"trace_id,omitempty"`
	Frames  []Frame `json:"frames,omitempty"`
}

// Export captures the caller's active stack as a Carrier.
func Export(ctx context.Context) Carrier {
	carrier := Carrier{Frames: Frames(ctx)}
	if traceID, ok := ActiveTraceID(ctx); ok {
		carrier.TraceID = traceID
	}
	return carrier
}

// Import installs a previously exported stack onto ctx. The receiving
// execution continues the sender's trace and label path.
func Import(ctx context.Context, carrier Carrier) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if carrier.TraceID == "" && len(carrier.Frames) == 0 {
		return ctx
	}

	var top *node
	depth := 0
	for _, frame := range carrier.Frames {
		depth++
		top = &node{frame: frame, parent: top, depth: depth}
	}
	return context.WithValue(ctx, stackContextKey, &state{
		traceID: carrier.TraceID,
		top:     top,
	})
}

// Marshal encodes a Carrier for transport across process boundaries.
func (c Carrier) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context carrier: %w", err)
	}
	return data, nil
}

// UnmarshalCarrier decodes a Carrier produced by Marshal.
func UnmarshalCarrier(data []byte) (Carrier, error) {
	var carrier Carrier
	if err := json.Unmarshal(data, &carrier); err != nil {
		return Carrier{}, fmt.Errorf("unmarshal context carrier: %w", err)
	}
	return carrier, nil
}
