package flow

import "time"

// Trace entry kinds, appended in event order.
const (
	TraceEnter       = "enter"
	TraceExit        = "exit"
	TraceError       = "error"
	TraceRetry       = "retry"
	TraceChoiceMatch = "choice_match"
	TraceSuspend     = "suspend"
	TraceResume      = "resume"
)

// TraceEntry records one execution event. The trace is append-only:
// existing entries are never mutated or reordered.
type TraceEntry struct {
	Kind      string         `json:"kind"`
	StateName string         `json:"stateName"`
	Timestamp time.Time      `json:"timestamp"`
	Extras    map[string]any `json:"extras,omitempty"`
}
