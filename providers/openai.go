package providers

import "net/http"

type OpenAIParser struct{}

func (OpenAIParser) Name() string {
	return "openai"
}

func (OpenAIParser) ParseResponse(statusCode int, _ http.Header, body []byte) (*CallData, error) {
	callData := &CallData{StatusCode: statusCode}

	payload, ok := parseJSONMap(body)
	if !ok {
		return callData, nil
	}

	callData.Model = extractModel(payload)
	callData.Usage = tokenUsage(payload)
	return callData, nil
}

func (OpenAIParser) ParseStreamChunk(chunk []byte) (*StreamChunkData, error) {
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
	streamData.Usage = tokenUsage(payload)
	if streamData.Usage.OutputTokens > 0 {
		streamData.DeltaOutputTokens = streamData.Usage.OutputTokens
	}
	return streamData, nil
}
