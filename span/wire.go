package span

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Batch is the ingestion payload: an ordered sequence of finalized spans.
type Batch struct {
	Spans []*Span `json:"spans"`
}

// EncodeBatch serializes a batch for submission to the collector.
func EncodeBatch(spans []*Span) ([]byte, error) {
	body, err := json.Marshal(Batch{Spans: spans})
	if err != nil {
		return nil, fmt.Errorf("encode span batch: %w", err)
	}
	return body, nil
}

// DecodeBatch parses and validates an ingestion payload. Unknown fields
// are rejected so schema drift surfaces at the boundary.
func DecodeBatch(r io.Reader) ([]*Span, error) {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	var batch Batch
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode span batch: %w", err)
	}
	for i, s := range batch.Spans {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("span %d: %w", i, err)
		}
	}
	return batch.Spans, nil
}

// DecodeBatchBytes is DecodeBatch over a byte slice.
func DecodeBatchBytes(data []byte) ([]*Span, error) {
	return DecodeBatch(bytes.NewReader(data))
}
