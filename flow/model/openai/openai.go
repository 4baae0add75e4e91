// Package openai adapts OpenAI's chat completions API to the
// model.ChatModel contract using the official openai-go client.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/stateflow-go/flow/model"
)

// Chat is an OpenAI-backed ChatModel. Safe for concurrent use.
type Chat struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI chat client for the given model, e.g. "gpt-4o"
// or "gpt-4o-mini".
func New(apiKey, modelName string) *Chat {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Chat{client: &client, model: modelName}
}

// Chat implements model.ChatModel.
func (c *Chat) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, err
	}
	if len(completion.Choices) == 0 {
		return model.Response{}, errors.New("no choices in OpenAI response")
	}

	return model.Response{
		Content: completion.Choices[0].Message.Content,
		Model:   completion.Model,
		Usage: model.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

// Model returns the configured model name.
func (c *Chat) Model() string { return c.model }
