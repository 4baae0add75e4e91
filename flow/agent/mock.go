// Package agent provides ready-made flow.Agent implementations: a
// scripted mock for tests, an HTTP agent for webhook-style tasks, and a
// chat-model agent bridging the model package.
package agent

import (
	"context"
	"sync"

	"github.com/dshills/stateflow-go/flow"
	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Call records one mock invocation.
type Call struct {
	Input  *jsonval.Object
	Config *jsonval.Object
	Call   flow.CallContext
}

// Mock is a scripted agent for tests. Results and errors are returned
// in queue order; with nothing queued the input is echoed back. Every
// invocation is recorded.
type Mock struct {
	mu      sync.Mutex
	results []*jsonval.Object
	errs    []error
	calls   []Call
}

// NewMock creates an empty mock agent.
func NewMock() *Mock {
	return &Mock{}
}

// Queue appends a scripted result.
func (m *Mock) Queue(result *jsonval.Object) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	m.errs = append(m.errs, nil)
	return m
}

// QueueError appends a scripted failure.
func (m *Mock) QueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, nil)
	m.errs = append(m.errs, err)
	return m
}

// Invoke implements flow.Agent.
func (m *Mock) Invoke(ctx context.Context, input *jsonval.Object, config *jsonval.Object, call flow.CallContext) (*jsonval.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Input: input, Config: config, Call: call})

	if len(m.results) == 0 {
		if input == nil {
			return jsonval.NewObject(), nil
		}
		return input.Clone(), nil
	}
	result, err := m.results[0], m.errs[0]
	m.results = m.results[1:]
	m.errs = m.errs[1:]
	if err != nil {
		return nil, err
	}
	if result == nil {
		return jsonval.NewObject(), nil
	}
	return result.Clone(), nil
}

// Calls returns the recorded invocations in order.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the mock was invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
