// Package notify broadcasts campaign changes to observers. Emitters are
// fire-and-forget: they never block the caller and never return an error,
// and an event that cannot be delivered is dropped and counted.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is the wire frame pushed to websocket clients: {"event": ..., "data": ...}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(name string, data any) (Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Event{Name: name, Data: b}, nil
}

type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Fanout emits to each emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev Event) {
	for _, e := range f {
		e.Emit(ctx, ev)
	}
}
