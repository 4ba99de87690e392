package events

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Payload is implemented by typed domain events that render themselves into
// the canonical attribute form carried by journals and stream subscribers.
type Payload interface {
	EventType() string
	Event() *Event
}

// Emitter broadcasts committed events to downstream subscribers (e.g. audit
// journal, websocket feeds, metrics).
type Emitter interface {
	Emit(Payload)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Payload) {}

// Multi fans a single Emit out to every wrapped emitter in order. Emission is
// synchronous so callers control ordering between, say, durable journalling
// and best-effort streaming.
func Multi(emitters ...Emitter) Emitter {
	filtered := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return multiEmitter(filtered)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(p Payload) {
	for _, e := range m {
		e.Emit(p)
	}
}
