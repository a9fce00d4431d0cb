package export

import "time"

const (
	PressureOK        = "ok"
	PressureElevated  = "elevated"
	PressureHigh      = "high"
	PressureSaturated = "saturated"
)

// Diagnostics is a point-in-time snapshot of buffer pressure and loss
// counters for operator visibility.
type Diagnostics struct {
	BufferCapacity      int        `json:"buffer_capacity"`
	BufferDepth         int        `json:"buffer_depth"`
	BufferHighWatermark int        `json:"buffer_high_watermark"`
	UtilizationPct      int        `json:"utilization_pct"`
	PressureState       string     `json:"pressure_state"`
	AcceptedTotal       int64      `json:"accepted_total"`
	DroppedTotal        int64      `json:"dropped_total"`
	SubmitFailedTotal   int64      `json:"submit_failed_total"`
	LastDropAt          *time.Time `json:"last_drop_at,omitempty"`
}

// Diagnostics returns the current pipeline snapshot.
func (e *Exporter) Diagnostics() Diagnostics {
	if e == nil {
		return Diagnostics{}
	}

	e.mu.Lock()
	depth := len(e.buf)
	e.mu.Unlock()

	highWater := int(e.bufferHighWater.Load())
	if depth > highWater {
		highWater = depth
	}
	utilization := utilizationPct(depth, e.opts.MaxBufferSpans)

	snapshot := Diagnostics{
		BufferCapacity:      e.opts.MaxBufferSpans,
		BufferDepth:         depth,
		BufferHighWatermark: highWater,
		UtilizationPct:      utilization,
		PressureState:       pressureState(utilization),
		AcceptedTotal:       e.acceptedTotal.Load(),
		DroppedTotal:        e.droppedTotal.Load(),
		SubmitFailedTotal:   e.submitFailedTotal.Load(),
	}
	if ts := e.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}
	return snapshot
}

func utilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func pressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return PressureSaturated
	case utilizationPct >= 80:
		return PressureHigh
	case utilizationPct >= 50:
		return PressureElevated
	default:
		return PressureOK
	}
}
