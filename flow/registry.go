package flow

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// CallContext carries per-invocation metadata to an agent. Cancellation
// arrives through the context.Context passed to Invoke; agents must
// observe it and abort early.
type CallContext struct {
	// StateName is the task state performing the invocation.
	StateName string

	// ExecutionID identifies the running execution.
	ExecutionID string

	// Deadline is the invocation's wall-clock bound, zero if unbounded.
	Deadline time.Time

	// Heartbeat must be called periodically when the state declares
	// HeartbeatSeconds; missing heartbeats surface as States.Timeout.
	// Never nil.
	Heartbeat func()
}

// Agent is an opaque callable registered by the host and invoked by Task
// and Debate states.
//
// The returned object may include the reserved accounting keys "_tokens"
// (int), "_cost" (float), and "_usage"; the engine adds them to the
// execution totals and strips them before the result becomes visible to
// the next state.
//
// Errors should be *Error values carrying a code; anything else is
// classified as States.TaskFailed.
type Agent interface {
	Invoke(ctx context.Context, input *jsonval.Object, config *jsonval.Object, call CallContext) (*jsonval.Object, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, input *jsonval.Object, config *jsonval.Object, call CallContext) (*jsonval.Object, error)

// Invoke implements Agent.
func (f AgentFunc) Invoke(ctx context.Context, input *jsonval.Object, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
	return f(ctx, input, config, call)
}

// Registry binds agent names to implementations. It is safe for
// concurrent reads during execution; registration normally happens
// before the first Run.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds name to agent, replacing any previous binding.
func (r *Registry) Register(name string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = agent
}

// Lookup returns the agent bound to name.
func (r *Registry) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}
