// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// contract using the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/stateflow-go/flow/model"
)

const defaultMaxTokens = 4096

// Chat is a Claude-backed ChatModel. Safe for concurrent use.
type Chat struct {
	client *anthropic.Client
	model  string
}

// New creates a Claude chat client. Obtain an API key from
// https://console.anthropic.com/.
func New(apiKey, modelName string) *Chat {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Chat{client: &client, model: modelName}
}

// Chat implements model.ChatModel.
func (c *Chat) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// Claude takes system text out of band; fold it into the leading
	// user turn instead of depending on a separate system parameter.
	var system strings.Builder
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case model.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			content := msg.Content
			if system.Len() > 0 && len(messages) == 0 {
				content = system.String() + "\n\n" + content
				system.Reset()
			}
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	if len(messages) == 0 {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(system.String())))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, err
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return model.Response{
		Content: text.String(),
		Model:   string(message.Model),
		Usage: model.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}, nil
}

// Model returns the configured model name.
func (c *Chat) Model() string { return c.model }
