package emit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{ExecutionID: "exec-1", Kind: "enter", StateName: "Summarize"})
	e.Emit(Event{
		ExecutionID: "exec-1",
		Kind:        "retry",
		StateName:   "Summarize",
		Meta:        map[string]any{"delay_ms": 1000, "attempt": 1},
	})
	e.Emit(Event{ExecutionID: "exec-1", Kind: "execution_failed", Msg: "boom"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if lines[0] != "[enter] execution=exec-1 state=Summarize" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], `meta={"attempt":1,"delay_ms":1000}`) {
		t.Errorf("line 1 = %q, meta keys not in sorted order", lines[1])
	}
	if !strings.Contains(lines[2], `msg="boom"`) {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{ExecutionID: "exec-1", Kind: "enter", StateName: "S"})
	e.Emit(Event{ExecutionID: "exec-1", Kind: "error", StateName: "S", Meta: map[string]any{"error": "States.Timeout"}})

	scanner := bufio.NewScanner(&buf)
	var decoded []map[string]any
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", scanner.Text(), err)
		}
		decoded = append(decoded, m)
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d events", len(decoded))
	}
	if decoded[0]["kind"] != "enter" || decoded[0]["executionID"] != "exec-1" {
		t.Errorf("event 0 = %v", decoded[0])
	}
	meta, ok := decoded[1]["meta"].(map[string]any)
	if !ok || meta["error"] != "States.Timeout" {
		t.Errorf("event 1 meta = %v", decoded[1]["meta"])
	}
	// Empty fields are omitted in JSON mode.
	if _, present := decoded[0]["msg"]; present {
		t.Error("empty msg serialized")
	}
}

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Kind: "enter", StateName: "A"})
	b.Emit(Event{Kind: "exit", StateName: "A"})

	events := b.Events()
	if len(events) != 2 || events[0].Kind != "enter" || events[1].Kind != "exit" {
		t.Fatalf("events = %+v", events)
	}

	// Events returns a copy, not the live buffer.
	events[0].Kind = "mutated"
	if b.Events()[0].Kind != "enter" {
		t.Error("Events exposed the internal buffer")
	}

	b.Reset()
	if len(b.Events()) != 0 {
		t.Error("Reset did not clear the buffer")
	}
}
