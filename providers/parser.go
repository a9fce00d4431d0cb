// Package providers extracts usage counts from provider response bodies.
// Parsers are shape-tolerant: an unrecognized body yields empty usage, not
// an error, so interception stays fail-open.
package providers

import (
	"net/http"

	"github.com/costlens/costlens/span"
)

// CallData is what a parser recovers from one completed response.
type CallData struct {
	StatusCode int
	Model      string
	Usage      span.Usage
}

// StreamChunkData is what a parser recovers from one streaming chunk.
type StreamChunkData struct {
	Model             string
	DeltaOutputTokens int
	Usage             span.Usage
}

// Parser understands one provider's response shape.
type Parser interface {
	Name() string
	ParseResponse(statusCode int, headers http.Header, body []byte) (*CallData, error)
	ParseStreamChunk(chunk []byte) (*StreamChunkData, error)
}
