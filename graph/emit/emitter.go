// Package emit delivers workflow observability events to logging and
// tracing backends.
package emit

// Emitter receives events from workflow execution.
//
// Emit is called from the driving goroutine and from parallel branches, so
// implementations must be safe for concurrent use. Emit must not block on a
// slow backend and must not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans one event out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
