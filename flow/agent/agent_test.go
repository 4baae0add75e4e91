package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dshills/stateflow-go/flow"
	"github.com/dshills/stateflow-go/flow/jsonval"
	"github.com/dshills/stateflow-go/flow/model"
)

func noopCall() flow.CallContext {
	return flow.CallContext{StateName: "T", ExecutionID: "exec-1", Heartbeat: func() {}}
}

func TestMockAgent(t *testing.T) {
	m := NewMock()
	m.Queue(jsonval.FromPairs("a", int64(1)))
	m.QueueError(flow.NewError("Agent.Down", "scripted failure"))

	first, err := m.Invoke(context.Background(), jsonval.FromPairs("in", int64(1)), nil, noopCall())
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if v, _ := first.Get("a"); v != int64(1) {
		t.Errorf("first result = %s", jsonval.EncodeString(first))
	}

	if _, err := m.Invoke(context.Background(), jsonval.NewObject(), nil, noopCall()); err == nil {
		t.Fatal("scripted error not returned")
	}

	// With the queue drained the input echoes back.
	echoed, err := m.Invoke(context.Background(), jsonval.FromPairs("echo", true), nil, noopCall())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := echoed.Get("echo"); v != true {
		t.Errorf("echo result = %s", jsonval.EncodeString(echoed))
	}

	calls := m.Calls()
	if len(calls) != 3 {
		t.Fatalf("recorded %d calls, want 3", len(calls))
	}
	if calls[0].Call.ExecutionID != "exec-1" {
		t.Errorf("call context = %+v", calls[0].Call)
	}
}

func TestHTTPAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("created"))
			return
		}
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client())

	t.Run("get with headers", func(t *testing.T) {
		input := jsonval.FromPairs(
			"url", srv.URL,
			"headers", jsonval.FromPairs("X-Token", "secret"),
		)
		out, err := h.Invoke(context.Background(), input, nil, noopCall())
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if code, _ := out.Get("status_code"); code != int64(200) {
			t.Errorf("status_code = %v", code)
		}
		if body, _ := out.Get("body"); body != "hello" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("post with body", func(t *testing.T) {
		input := jsonval.FromPairs("url", srv.URL, "method", "post", "body", `{"x":1}`)
		out, err := h.Invoke(context.Background(), input, nil, noopCall())
		if err != nil {
			t.Fatal(err)
		}
		if code, _ := out.Get("status_code"); code != int64(201) {
			t.Errorf("status_code = %v", code)
		}
	})

	t.Run("non-2xx is not an error", func(t *testing.T) {
		out, err := h.Invoke(context.Background(), jsonval.FromPairs("url", srv.URL), nil, noopCall())
		if err != nil {
			t.Fatal(err)
		}
		if code, _ := out.Get("status_code"); code != int64(401) {
			t.Errorf("status_code = %v", code)
		}
	})

	t.Run("missing url", func(t *testing.T) {
		if _, err := h.Invoke(context.Background(), jsonval.NewObject(), nil, noopCall()); err == nil {
			t.Error("missing url accepted")
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		input := jsonval.FromPairs("url", srv.URL, "method", "DELETE")
		if _, err := h.Invoke(context.Background(), input, nil, noopCall()); err == nil {
			t.Error("DELETE accepted")
		}
	})
}

func TestChatAgent(t *testing.T) {
	costs := flow.NewCostTracker()
	costs.SetPricing("test-model", flow.ModelPricing{InputPer1M: 1.0, OutputPer1M: 2.0})

	t.Run("prompt request with accounting", func(t *testing.T) {
		chat := model.NewMockChat("test-model")
		chat.Queue(model.Response{
			Content: "the answer",
			Model:   "test-model",
			Usage:   model.Usage{InputTokens: 1_000_000, OutputTokens: 500_000},
		})
		a := NewChatAgent(chat, costs)

		input := jsonval.FromPairs("prompt", "what is the answer?", "system", "be brief")
		out, err := a.Invoke(context.Background(), input, nil, noopCall())
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if content, _ := out.Get("content"); content != "the answer" {
			t.Errorf("content = %v", content)
		}
		if tokens, _ := out.Get("_tokens"); tokens != int64(1_500_000) {
			t.Errorf("_tokens = %v", tokens)
		}
		cost, _ := out.Get("_cost")
		if c, _ := jsonval.Number(cost); c < 1.99 || c > 2.01 {
			t.Errorf("_cost = %v, want 2.00", cost)
		}

		reqs := chat.Requests()
		if len(reqs) != 1 {
			t.Fatalf("model saw %d requests", len(reqs))
		}
		msgs := reqs[0].Messages
		if len(msgs) != 2 || msgs[0].Role != model.RoleSystem || msgs[1].Role != model.RoleUser {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("message array request", func(t *testing.T) {
		chat := model.NewMockChat("test-model")
		a := NewChatAgent(chat, nil)
		input := mustObject(t, `{
			"messages": [
				{"role": "user", "content": "hi"},
				{"role": "assistant", "content": "hello"},
				{"role": "user", "content": "bye"}
			],
			"max_tokens": 64,
			"temperature": 0.5
		}`)
		if _, err := a.Invoke(context.Background(), input, nil, noopCall()); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		req := chat.Requests()[0]
		if len(req.Messages) != 3 || req.MaxTokens != 64 {
			t.Errorf("request = %+v", req)
		}
		if req.Temperature == nil || *req.Temperature != 0.5 {
			t.Errorf("temperature = %v", req.Temperature)
		}
	})

	t.Run("model failure becomes task failure", func(t *testing.T) {
		chat := model.NewMockChat("test-model")
		chat.QueueError(errors.New("rate limited"))
		a := NewChatAgent(chat, nil)
		_, err := a.Invoke(context.Background(), jsonval.FromPairs("prompt", "x"), nil, noopCall())
		var fe *flow.Error
		if !errors.As(err, &fe) || fe.Code != flow.ErrorCodeTaskFailed {
			t.Errorf("err = %v, want %s", err, flow.ErrorCodeTaskFailed)
		}
	})

	t.Run("missing prompt and messages", func(t *testing.T) {
		a := NewChatAgent(model.NewMockChat(""), nil)
		if _, err := a.Invoke(context.Background(), jsonval.NewObject(), nil, noopCall()); err == nil {
			t.Error("empty input accepted")
		}
	})
}

func mustObject(t *testing.T, src string) *jsonval.Object {
	t.Helper()
	v, err := jsonval.Decode([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return v.(*jsonval.Object)
}
