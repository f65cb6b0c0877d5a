package ai

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrCredentialRequired = errors.New("ai: provider credential is required")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Credential is resolved per caller and passed with every request.
type Credential struct {
	APIKey string
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float32
	MaxTokens    int
	Credential   Credential
}

// wireMessages prepends the system prompt, if any, to the conversation.
func (r CompletionRequest) wireMessages() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if r.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	return append(out, r.Messages...)
}

// StreamProvider opens one upstream completion stream per call.
//
// The returned channel yields EventDelta and EventMalformed events in upstream order and is
// closed after exactly one terminal event (EventEnd or EventError). If ctx is cancelled the
// producer stops and closes the channel, possibly without a terminal event.
type StreamProvider interface {
	StreamChat(ctx context.Context, req CompletionRequest) <-chan StreamEvent
}
