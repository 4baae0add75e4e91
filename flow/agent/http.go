package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/stateflow-go/flow"
	"github.com/dshills/stateflow-go/flow/jsonval"
)

// HTTP is an agent that performs one HTTP request per invocation.
// Useful for webhook-style task states that call services instead of
// models.
//
// Input keys:
//   - url (string, required)
//   - method (string, GET or POST, default GET)
//   - headers (object of string values)
//   - body (string, POST only)
//
// Result keys:
//   - status_code (int)
//   - headers (object)
//   - body (string)
//
// A transport failure returns an error; a non-2xx response does not.
// Route on status_code with a Choice state when needed.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP agent. A nil client uses http.DefaultClient;
// timeouts arrive through the invocation context.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

// Invoke implements flow.Agent.
func (h *HTTP) Invoke(ctx context.Context, input *jsonval.Object, config *jsonval.Object, call flow.CallContext) (*jsonval.Object, error) {
	if input == nil {
		return nil, flow.NewError(flow.ErrorCodeTaskFailed, "url parameter required")
	}
	rawURL, _ := input.Get("url")
	urlStr, ok := rawURL.(string)
	if !ok || urlStr == "" {
		return nil, flow.NewError(flow.ErrorCodeTaskFailed, "url parameter required")
	}

	method := http.MethodGet
	if raw, present := input.Get("method"); present {
		if m, isStr := raw.(string); isStr && m != "" {
			method = strings.ToUpper(m)
		}
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, flow.NewError(flow.ErrorCodeTaskFailed, "unsupported HTTP method "+method)
	}

	var body io.Reader
	if raw, present := input.Get("body"); present {
		if s, isStr := raw.(string); isStr && s != "" {
			body = bytes.NewBufferString(s)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, flow.WrapError(flow.ErrorCodeTaskFailed, err)
	}
	if raw, present := input.Get("headers"); present {
		if headers, isObj := raw.(*jsonval.Object); isObj {
			headers.Range(func(key string, value any) bool {
				if s, isStr := value.(string); isStr {
					req.Header.Set(key, s)
				}
				return true
			})
		}
	}

	call.Heartbeat()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, flow.WrapError(flow.ErrorCodeTaskFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flow.WrapError(flow.ErrorCodeTaskFailed, err)
	}

	respHeaders := jsonval.NewObject()
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders.Set(key, values[0])
		} else {
			vals := make([]any, len(values))
			for i, v := range values {
				vals[i] = v
			}
			respHeaders.Set(key, vals)
		}
	}
	return jsonval.FromPairs(
		"status_code", int64(resp.StatusCode),
		"headers", respHeaders,
		"body", string(respBody),
	), nil
}
