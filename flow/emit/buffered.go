package emit

import "sync"

// BufferedEmitter collects events in memory. Useful in tests and for
// hosts that want to inspect the event stream after an execution.
type BufferedEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{}
}

// Emit appends the event to the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of the buffered events in emission order.
func (b *BufferedEmitter) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Reset discards all buffered events.
func (b *BufferedEmitter) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
