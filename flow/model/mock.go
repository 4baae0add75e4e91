package model

import (
	"context"
	"sync"
)

// MockChat is a scripted ChatModel for tests: responses are returned in
// the order queued, and every request is recorded.
type MockChat struct {
	mu        sync.Mutex
	name      string
	responses []Response
	errs      []error
	requests  []Request
}

// NewMockChat creates a mock reporting the given model name.
func NewMockChat(name string) *MockChat {
	if name == "" {
		name = "mock-model"
	}
	return &MockChat{name: name}
}

// Queue appends a scripted response.
func (m *MockChat) Queue(resp Response) *MockChat {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
	return m
}

// QueueError appends a scripted failure.
func (m *MockChat) QueueError(err error) *MockChat {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, Response{})
	m.errs = append(m.errs, err)
	return m
}

// Chat returns the next scripted response. With nothing queued it
// echoes the last user message.
func (m *MockChat) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.responses) == 0 {
		content := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				content = req.Messages[i].Content
				break
			}
		}
		return Response{Content: content, Model: m.name}, nil
	}

	resp, err := m.responses[0], m.errs[0]
	m.responses = m.responses[1:]
	m.errs = m.errs[1:]
	if err != nil {
		return Response{}, err
	}
	if resp.Model == "" {
		resp.Model = m.name
	}
	return resp, nil
}

// Model returns the configured model name.
func (m *MockChat) Model() string { return m.name }

// Requests returns the recorded requests in call order.
func (m *MockChat) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
