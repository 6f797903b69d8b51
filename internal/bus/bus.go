// Package bus is an in-process publish/subscribe fan-out for domain events
// named "{object_type}.{action}".
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Event is one published domain event.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Split returns the object type and action of an event name, split on the
// first ".". ok is false when either part is empty.
func (e Event) Split() (objectType, action string, ok bool) {
	objectType, action, found := strings.Cut(e.Name, ".")
	if !found || objectType == "" || action == "" {
		return "", "", false
	}
	return objectType, action, true
}

// Subscriber receives every published event.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Bus delivers events to subscribers synchronously, in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers s for all future events.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Emit marshals payload and publishes it under name.
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("emit %s: %w", name, err)
		}
	}
	return b.Publish(ctx, Event{Name: name, Payload: raw})
}

// Publish delivers ev to every subscriber. Every subscriber is called even
// when an earlier one fails; the failures are joined.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Name == "" {
		return fmt.Errorf("publish: event name is required")
	}
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %w", ev.Name, errors.Join(errs...))
	}
	return nil
}
