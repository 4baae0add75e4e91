package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter writes structured event output to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value pairs
//   - JSON mode: one JSON object per line
//
// Example text output:
//
//	[enter] execution=exec-001 state=SummarizeDoc
//	[retry] execution=exec-001 state=SummarizeDoc meta={"attempt":1,"delay_ms":1000}
//
// Example JSON output:
//
//	{"executionID":"exec-001","stateName":"SummarizeDoc","kind":"enter"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer. A nil
// writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

type jsonEvent struct {
	ExecutionID string         `json:"executionID"`
	StateName   string         `json:"stateName,omitempty"`
	Kind        string         `json:"kind"`
	Msg         string         `json:"msg,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(jsonEvent{
		ExecutionID: event.ExecutionID,
		StateName:   event.StateName,
		Kind:        event.Kind,
		Msg:         event.Msg,
		Meta:        event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, `{"kind":%q,"marshalError":%q}`+"\n", event.Kind, err.Error())
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] execution=%s", event.Kind, event.ExecutionID)
	if event.StateName != "" {
		fmt.Fprintf(l.writer, " state=%s", event.StateName)
	}
	if event.Msg != "" {
		fmt.Fprintf(l.writer, " msg=%q", event.Msg)
	}
	if len(event.Meta) > 0 {
		keys := make([]string, 0, len(event.Meta))
		for k := range event.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(event.Meta))
		for _, k := range keys {
			ordered[k] = event.Meta[k]
		}
		if data, err := json.Marshal(ordered); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", data)
		}
	}
	fmt.Fprintln(l.writer)
}
