// Package pricing resolves provider usage to a monetary amount through a
// versioned rate table. Records are time-bounded so historical spans
// re-priced later use the rate active when the call happened.
package pricing

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/costlens/costlens/span"
)

// UnitType selects the cost formula applied to a span's usage.
type UnitType string

const (
	// UnitTokens prices input/output/cached token counts.
	UnitTokens UnitType = "tokens"
	// UnitCalls prices per-operation counts (vector databases, tools).
	UnitCalls UnitType = "calls"
)

// Rates holds per-unit USD amounts. Token rates are per single token.
type Rates struct {
	InputPerToken       float64 `yaml:"input_per_token" json:"input_per_token,omitempty"`
	OutputPerToken      float64 `yaml:"output_per_token" json:"output_per_token,omitempty"`
	CachedInputPerToken float64 `yaml:"cached_input_per_token" json:"cached_input_per_token,omitempty"`
	PerCall             float64 `yaml:"per_call" json:"per_call,omitempty"`
}

// Record is one time-bounded pricing entry for a (provider, model) pair.
// A zero EffectiveTo means the record is open-ended.
type Record struct {
	Provider      string    `yaml:"provider" json:"provider"`
	Model         string    `yaml:"model" json:"model"`
	Unit          UnitType  `yaml:"unit" json:"unit"`
	Rates         Rates     `yaml:"rates" json:"rates"`
	EffectiveFrom time.Time `yaml:"effective_from" json:"effective_from"`
	EffectiveTo   time.Time `yaml:"effective_to" json:"effective_to,omitempty"`
}

// ActiveAt reports whether the record covers the given instant. The window
// is half-open: [EffectiveFrom, EffectiveTo).
func (r Record) ActiveAt(at time.Time) bool {
	if !r.EffectiveFrom.IsZero() && at.Before(r.EffectiveFrom) {
		return false
	}
	if !r.EffectiveTo.IsZero() && !at.Before(r.EffectiveTo) {
		return false
	}
	return true
}

func (r Record) validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return fmt.Errorf("pricing record provider is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("pricing record model is required")
	}
	if r.Unit != UnitTokens && r.Unit != UnitCalls {
		return fmt.Errorf("pricing record unit %q is not recognized", r.Unit)
	}
	if !r.EffectiveTo.IsZero() && !r.EffectiveTo.After(r.EffectiveFrom) {
		return fmt.Errorf("pricing record for %s/%s: effective_to must be after effective_from", r.Provider, r.Model)
	}
	return nil
}

// Table is a concurrency-safe set of pricing records keyed by
// provider:model, each holding a history of time-bounded entries.
type Table struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func recordKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.ToLower(strings.TrimSpace(model))
}

// NewTable builds a table from the given records.
func NewTable(records ...Record) (*Table, error) {
	table := &Table{records: make(map[string][]Record)}
	for _, record := range records {
		if err := table.Add(record); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// Add inserts a record, keeping each history sorted by EffectiveFrom.
func (t *Table) Add(record Record) error {
	if err := record.validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey(record.Provider, record.Model)
	history := append(t.records[key], record)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].EffectiveFrom.Before(history[j].EffectiveFrom)
	})
	t.records[key] = history
	return nil
}

// Resolve returns the record active at the given instant. When histories
// overlap, the record with the latest EffectiveFrom wins deterministically.
func (t *Table) Resolve(provider, model string, at time.Time) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := t.records[recordKey(provider, model)]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ActiveAt(at) {
			return history[i], true
		}
	}
	return Record{}, false
}

// Price computes the cost of the given usage at the given instant.
//
// The second return distinguishes "genuinely zero" from "unknown price":
// it is true when the span is priced (including zero-usage spans, which
// cost nothing by definition) and false when usage exists but no pricing
// record matched.
func (t *Table) Price(provider, model string, usage span.Usage, at time.Time) (float64, bool) {
	if usage.IsZero() {
		return 0, true
	}

	record, ok := t.Resolve(provider, model, at)
	if !ok {
		return 0, false
	}

	switch record.Unit {
	case UnitCalls:
		return float64(usage.CallCount) * record.Rates.PerCall, true
	default:
		cost := float64(usage.InputTokens)*record.Rates.InputPerToken +
			float64(usage.OutputTokens)*record.Rates.OutputPerToken +
			float64(usage.CachedInputTokens)*record.Rates.CachedInputPerToken
		return cost, true
	}
}

// Validate reports overlapping windows within any single history; exactly
// one record should be active for a given instant.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for key, history := range t.records {
		for i := 1; i < len(history); i++ {
			prev := history[i-1]
			next := history[i]
			if prev.EffectiveTo.IsZero() || next.EffectiveFrom.Before(prev.EffectiveTo) {
				return fmt.Errorf("pricing history for %s: windows starting %s and %s overlap",
					key,
					prev.EffectiveFrom.Format(time.RFC3339),
					next.EffectiveFrom.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// Records returns a copy of every record, sorted for stable output.
func (t *Table) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.records))
	for key := range t.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(t.records))
	for _, key := range keys {
		out = append(out, t.records[key]...)
	}
	return out
}
