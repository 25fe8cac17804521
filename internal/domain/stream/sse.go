// Package stream implements the window-based SSE response scanner and the
// in-stream abort sequence.
package stream

import (
	"encoding/json"
	"strings"
)

// openAIChunk is the slice of an OpenAI streaming chunk we care about.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// anthropicChunk is the slice of an Anthropic streaming event we care
// about.
type anthropicChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// ExtractContent pulls the text content out of one complete SSE message
// block (the lines before the blank separator). Both OpenAI
// (choices[0].delta.content) and Anthropic (content_block_delta.delta.text)
// formats are handled. Non-text events (role deltas, stops, [DONE],
// unparseable data) yield "" and are forwarded unchanged by the caller.
func ExtractContent(message string) string {
	var dataLine string
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			dataLine = strings.TrimSpace(line[len("data:"):])
			break
		}
	}
	if dataLine == "" || dataLine == "[DONE]" {
		return ""
	}

	raw := []byte(dataLine)

	var oa openAIChunk
	if err := json.Unmarshal(raw, &oa); err == nil && len(oa.Choices) > 0 {
		return oa.Choices[0].Delta.Content
	}

	var an anthropicChunk
	if err := json.Unmarshal(raw, &an); err == nil && an.Type == "content_block_delta" && an.Delta.Type == "text_delta" {
		return an.Delta.Text
	}

	return ""
}
