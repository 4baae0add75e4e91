package emit

// Emitter receives execution events from the engine.
//
// Implementations must be safe for concurrent use: Map iterations and
// Parallel branches emit from multiple goroutines. Emit must not block
// for long; slow sinks should buffer internally.
type Emitter interface {
	Emit(event Event)
}
