package providers

import (
	"net/http"

	"github.com/costlens/costlens/span"
)

// PineconeParser handles vector database responses, which report usage as
// per-operation unit counts rather than tokens.
type PineconeParser struct{}

func (PineconeParser) Name() string {
	return "pinecone"
}

func (PineconeParser) ParseResponse(statusCode int, _ http.Header, body []byte) (*CallData, error) {
	callData := &CallData{StatusCode: statusCode}

	payload, ok := parseJSONMap(body)
	if !ok {
		// No parseable body still counts as one billable operation.
		callData.Usage = span.Usage{CallCount: 1}
		return callData, nil
	}

	units := 0
	if usage, ok := payload["usage"].(map[string]any); ok {
		units = firstInt(usage, "readUnits", "read_units")
		units += firstInt(usage, "writeUnits", "write_units")
	}
	if units == 0 {
		units = 1
	}
	callData.Usage = span.Usage{CallCount: units}
	return callData, nil
}

func (PineconeParser) ParseStreamChunk(_ []byte) (*StreamChunkData, error) {
	// Vector databases do not stream usage.
	return &StreamChunkData{}, nil
}
