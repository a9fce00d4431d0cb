package pricing

import "time"

// defaultEffectiveFrom anchors the built-in rate table. Operators who need
// accurate historical repricing should load a dated table file instead.
var defaultEffectiveFrom = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func tokenRecord(provider, model string, inputPer1K, outputPer1K, cachedPer1K float64) Record {
	return Record{
		Provider: provider,
		Model:    model,
		Unit:     UnitTokens,
		Rates: Rates{
			InputPerToken:       inputPer1K / 1000,
			OutputPerToken:      outputPer1K / 1000,
			CachedInputPerToken: cachedPer1K / 1000,
		},
		EffectiveFrom: defaultEffectiveFrom,
	}
}

func callRecord(provider, model string, perCall float64) Record {
	return Record{
		Provider:      provider,
		Model:         model,
		Unit:          UnitCalls,
		Rates:         Rates{PerCall: perCall},
		EffectiveFrom: defaultEffectiveFrom,
	}
}

// DefaultTable returns the built-in rate table. Rates are entered as USD
// per 1K tokens and stored per token.
func DefaultTable() *Table {
	table, err := NewTable(
		tokenRecord("openai", "gpt-4o", 0.005, 0.015, 0.0025),
		tokenRecord("openai", "gpt-4o-mini", 0.00015, 0.0006, 0.000075),
		tokenRecord("openai", "gpt-4-turbo", 0.01, 0.03, 0),
		tokenRecord("openai", "gpt-3.5-turbo", 0.0005, 0.0015, 0),
		tokenRecord("anthropic", "claude-opus-4-1", 0.015, 0.075, 0.0015),
		tokenRecord("anthropic", "claude-sonnet-4-20250514", 0.003, 0.015, 0.0003),
		tokenRecord("anthropic", "claude-3-5-sonnet-20241022", 0.003, 0.015, 0.0003),
		tokenRecord("anthropic", "claude-3-5-haiku-20241022", 0.0008, 0.004, 0.00008),
		tokenRecord("anthropic", "claude-3-haiku-20240307", 0.00025, 0.00125, 0),
		callRecord("pinecone", "serverless", 0.0004),
	)
	if err != nil {
		// Built-in records are static; a validation failure is a bug.
		panic(err)
	}
	return table
}
