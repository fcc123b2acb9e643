package events

// Event represents a structured state change emitted by a settlement component.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. indexers, the
// off-chain verification service).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder is an Emitter that retains every emitted event in order. It is
// primarily intended for tests and for the in-process event feed consumed by
// the verification service.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.Events = append(r.Events, evt)
}
