// Package model defines the chat-model contract used by model-backed
// agents, with adapters for Anthropic, OpenAI, and Google Gemini in
// subpackages.
package model

import "context"

// Role identifies the author of a chat message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role
	Content string
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Request is a chat completion request.
type Request struct {
	Messages []Message

	// MaxTokens bounds the completion length; 0 uses the adapter
	// default.
	MaxTokens int64

	// Temperature overrides the provider default when non-nil.
	Temperature *float64
}

// Response is a settled chat completion.
type Response struct {
	// Content is the assistant's text.
	Content string

	// Model is the concrete model that served the request.
	Model string

	Usage Usage
}

// ChatModel is a provider-agnostic chat completion client.
// Implementations must be safe for concurrent use.
type ChatModel interface {
	Chat(ctx context.Context, req Request) (Response, error)

	// Model names the configured model, for pricing lookups.
	Model() string
}
