// Package emit provides pluggable observability for workflow execution.
//
// The engine mirrors every trace entry (state enter/exit, errors,
// retries, choice matches, suspend/resume) to an Emitter. Emitters can
// log to a writer, create OpenTelemetry spans, or discard events.
package emit

// Event is one observability event emitted during workflow execution.
type Event struct {
	// ExecutionID identifies the workflow execution.
	ExecutionID string

	// StateName is the state that produced the event; empty for
	// execution-level events (started, finished).
	StateName string

	// Kind mirrors the trace-entry kind: enter, exit, error, retry,
	// choice_match, suspend, resume.
	Kind string

	// Msg is a human-readable description.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   "error"      error code
	//   "cause"      error cause text
	//   "attempt"    retry attempt number
	//   "delay_ms"   retry backoff in milliseconds
	//   "tokens"     tokens consumed by an invocation
	//   "cost_usd"   cost of an invocation
	//   "checkpoint" checkpoint id
	Meta map[string]any
}
