// Package event implements the structured event stream (§6 Event stream):
// every component-level transition (routing, circuit, cache, budget) emits
// a named event with a timestamp and a JSON payload over a pluggable sink.
package event

import (
	"encoding/json"
	"time"
)

// Event is one structured event emitted by the core (§6).
type Event struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// MarshalJSON serializes Fields as a flat "payload" object, matching the
// wire shape §6 describes ("a JSON payload").
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Name      string         `json:"name"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload,omitempty"`
	}
	return json.Marshal(wire{Name: e.Name, Timestamp: e.Timestamp, Payload: e.Fields})
}

// Sink receives emitted events. Implementations must not block the caller
// for long — the dispatch/cache/ledger/circuit packages call Emit inline.
type Sink interface {
	Emit(Event)
}

// Bus fans one emitted event out to every registered Sink. Bus.Emit takes
// (name, fields), the signature of the OnEvent hooks on the router, cache
// and ledger, so it can be wired into those hooks directly.
type Bus struct {
	sinks []Sink
}

// NewBus builds a Bus over the given sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Emit timestamps name/fields into an Event and fans it to every sink.
func (b *Bus) Emit(name string, fields map[string]any) {
	b.EmitAt(time.Now(), name, fields)
}

// EmitAt is Emit with an explicit timestamp, for deterministic tests.
func (b *Bus) EmitAt(ts time.Time, name string, fields map[string]any) {
	evt := Event{Name: name, Timestamp: ts, Fields: fields}
	for _, s := range b.sinks {
		s.Emit(evt)
	}
}

// Add registers another sink on the bus.
func (b *Bus) Add(s Sink) {
	b.sinks = append(b.sinks, s)
}
