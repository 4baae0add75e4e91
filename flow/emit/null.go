package emit

// NullEmitter discards all events. It is the default emitter when the
// host configures none.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
