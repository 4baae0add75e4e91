// Package google adapts Google's Gemini API to the model.ChatModel
// contract using the official generative-ai-go client.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/stateflow-go/flow/model"
)

// Chat is a Gemini-backed ChatModel. Safe for concurrent use.
type Chat struct {
	client *genai.Client
	model  string
}

// New creates a Gemini chat client for the given model, e.g.
// "gemini-1.5-pro" or "gemini-1.5-flash".
func New(ctx context.Context, apiKey, modelName string) (*Chat, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Chat{client: client, model: modelName}, nil
}

// Chat implements model.ChatModel. Gemini's multi-turn chat API keys on
// alternating roles; the request's turns are folded into one prompt
// with role markers, which keeps the adapter stateless.
func (c *Chat) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	gm := c.client.GenerativeModel(c.model)
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		gm.MaxOutputTokens = &maxTokens
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		gm.Temperature = &temp
	}

	var prompt strings.Builder
	for i, msg := range req.Messages {
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		switch msg.Role {
		case model.RoleSystem, model.RoleUser:
			prompt.WriteString(msg.Content)
		case model.RoleAssistant:
			prompt.WriteString("Previous response:\n" + msg.Content)
		}
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt.String()))
	if err != nil {
		return model.Response{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.Response{}, errors.New("no candidates in Gemini response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	usage := model.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return model.Response{
		Content: text.String(),
		Model:   c.model,
		Usage:   usage,
	}, nil
}

// Model returns the configured model name.
func (c *Chat) Model() string { return c.model }

// Close releases the underlying client.
func (c *Chat) Close() error {
	return c.client.Close()
}
