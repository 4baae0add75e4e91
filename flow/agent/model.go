package agent

import (
	"context"
	"fmt"

	"github.com/dshills/stateflow-go/flow"
	"github.com/dshills/stateflow-go/flow/jsonval"
	"github.com/dshills/stateflow-go/flow/model"
)

// ChatAgent bridges a model.ChatModel into the agent contract. The
// invocation input becomes the chat request; the completion plus the
// reserved accounting keys become the result, so the engine accumulates
// tokens and cost automatically.
//
// Input keys:
//   - prompt (string) or messages (array of {role, content})
//   - system (string, optional)
//   - max_tokens (int, optional)
//   - temperature (number, optional)
//
// Result keys: content, model, plus _tokens, _cost, and _usage.
type ChatAgent struct {
	chat  model.ChatModel
	costs *flow.CostTracker
}

// NewChatAgent creates an agent over the given chat model. A nil cost
// tracker prices every call at zero.
func NewChatAgent(chat model.ChatModel, costs *flow.CostTracker) *ChatAgent {
	return &ChatAgent{chat: chat, costs: costs}
}

// Invoke implements flow.Agent.
func (a *ChatAgent) Invoke(ctx context.Context, input *jsonval.Object, config *jsonval.Object, call flow.CallContext) (*jsonval.Object, error) {
	req, err := buildChatRequest(input)
	if err != nil {
		return nil, err
	}

	call.Heartbeat()
	resp, err := a.chat.Chat(ctx, req)
	if err != nil {
		return nil, flow.WrapError(flow.ErrorCodeTaskFailed, err)
	}

	var cost float64
	if a.costs != nil {
		cost = a.costs.Cost(a.chat.Model(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return jsonval.FromPairs(
		"content", resp.Content,
		"model", resp.Model,
		"_tokens", resp.Usage.Total(),
		"_cost", cost,
		"_usage", jsonval.FromPairs(
			"input", resp.Usage.InputTokens,
			"output", resp.Usage.OutputTokens,
		),
	), nil
}

func buildChatRequest(input *jsonval.Object) (model.Request, error) {
	var req model.Request
	if input == nil {
		return req, flow.NewError(flow.ErrorCodeTaskFailed, "chat agent requires a prompt or messages")
	}

	if raw, present := input.Get("system"); present {
		if s, ok := raw.(string); ok && s != "" {
			req.Messages = append(req.Messages, model.Message{Role: model.RoleSystem, Content: s})
		}
	}

	switch {
	case hasKey(input, "messages"):
		raw, _ := input.Get("messages")
		arr, ok := raw.([]any)
		if !ok {
			return req, flow.NewError(flow.ErrorCodeTaskFailed, "messages must be an array")
		}
		for i, el := range arr {
			obj, ok := el.(*jsonval.Object)
			if !ok {
				return req, flow.NewError(flow.ErrorCodeTaskFailed, fmt.Sprintf("messages[%d] must be an object", i))
			}
			role, _ := obj.Get("role")
			content, _ := obj.Get("content")
			roleStr, _ := role.(string)
			contentStr, ok := content.(string)
			if !ok {
				return req, flow.NewError(flow.ErrorCodeTaskFailed, fmt.Sprintf("messages[%d].content must be a string", i))
			}
			if roleStr == "" {
				roleStr = string(model.RoleUser)
			}
			req.Messages = append(req.Messages, model.Message{Role: model.Role(roleStr), Content: contentStr})
		}
	case hasKey(input, "prompt"):
		raw, _ := input.Get("prompt")
		prompt, ok := raw.(string)
		if !ok {
			return req, flow.NewError(flow.ErrorCodeTaskFailed, "prompt must be a string")
		}
		req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Content: prompt})
	default:
		return req, flow.NewError(flow.ErrorCodeTaskFailed, "chat agent requires a prompt or messages")
	}

	if raw, present := input.Get("max_tokens"); present {
		if n, ok := jsonval.Number(raw); ok {
			req.MaxTokens = int64(n)
		}
	}
	if raw, present := input.Get("temperature"); present {
		if n, ok := jsonval.Number(raw); ok {
			req.Temperature = &n
		}
	}
	return req, nil
}

func hasKey(obj *jsonval.Object, key string) bool {
	_, present := obj.Get(key)
	return present
}
