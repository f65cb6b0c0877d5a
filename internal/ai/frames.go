package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// openAI-compatible chunk, shared by OpenRouter and any /chat/completions SSE stream.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ParseSSEFrame turns one line of an OpenAI-style SSE body into tagged events.
// Comments, blank lines and non-data fields yield nothing.
func ParseSSEFrame(line string) []StreamEvent {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
		return nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return nil
	}
	if data == "[DONE]" {
		return []StreamEvent{End()}
	}

	var decoded sseChunk
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		return []StreamEvent{Malformed(fmt.Errorf("sse frame: %w", err))}
	}
	if decoded.Error != nil {
		msg := decoded.Error.Message
		if msg == "" {
			msg = "upstream error"
		}
		return []StreamEvent{Failure(errors.New(msg))}
	}
	if len(decoded.Choices) == 0 {
		return nil
	}
	if delta := decoded.Choices[0].Delta.Content; delta != "" {
		return []StreamEvent{Delta(delta)}
	}
	return nil
}

type ndjsonChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// ParseNDJSONFrame decodes one line of an Ollama /api/chat stream.
// A single frame may carry both the last delta and the done flag.
func ParseNDJSONFrame(line []byte) []StreamEvent {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	var decoded ndjsonChunk
	if err := json.Unmarshal(line, &decoded); err != nil {
		return []StreamEvent{Malformed(fmt.Errorf("ndjson frame: %w", err))}
	}
	if decoded.Error != "" {
		return []StreamEvent{Failure(errors.New(decoded.Error))}
	}

	var out []StreamEvent
	if decoded.Message.Content != "" {
		out = append(out, Delta(decoded.Message.Content))
	}
	if decoded.Done {
		out = append(out, End())
	}
	return out
}
