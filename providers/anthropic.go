package providers

import "net/http"

type AnthropicParser struct{}

func (AnthropicParser) Name() string {
	return "anthropic"
}

func (AnthropicParser) ParseResponse(statusCode int, _ http.Header, body []byte) (*CallData, error) {
	callData := &CallData{StatusCode: statusCode}

	payload, ok := parseJSONMap(body)
	if !ok {
		return callData, nil
	}

	callData.Model = extractModel(payload)
	callData.Usage = tokenUsage(payload)
	return callData, nil
}

func (AnthropicParser) ParseStreamChunk(chunk []byte) (*StreamChunkData, error) {
	streamData := &StreamChunkData{}

	payloadBytes := chunk
	if ssePayload := parseSSEPayload(chunk); len(ssePayload) > 0 {
		payloadBytes = ssePayload
	}

	payload, ok := parseJSONMap(payloadBytes)
	if !ok {
		return streamData, nil
	}

	streamData.Model = extractModel(payload)
	if streamData.Model == "" {
		// message_start events nest the model under "message".
		if message, ok := payload["message"].(map[string]any); ok {
			streamData.Model = extractModel(message)
		}
	}

	streamData.Usage = tokenUsage(payload)
	if streamData.Usage.IsZero() {
		if message, ok := payload["message"].(map[string]any); ok {
			streamData.Usage = tokenUsage(message)
		}
	}
	if streamData.Usage.OutputTokens > 0 {
		streamData.DeltaOutputTokens = streamData.Usage.OutputTokens
	}
	return streamData, nil
}
