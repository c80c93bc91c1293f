package emit

// NullEmitter discards all events.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that discards events.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter.
func (n *NullEmitter) Emit(Event) {}
