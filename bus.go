package memo

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// EventKind scopes an invalidation event.
type EventKind string

const (
	// EventKey invalidates a single composite key.
	EventKey EventKind = "key"
	// EventNamespace invalidates every key in a namespace.
	EventNamespace EventKind = "namespace"
	// EventAll empties the first tier.
	EventAll EventKind = "all"
)

// Event is the invalidation record carried by the bus. SourceID identifies
// the publishing process so subscribers can skip their own events.
type Event struct {
	Kind     EventKind `msgpack:"k"`
	Target   string    `msgpack:"t"`
	SourceID string    `msgpack:"s"`
}

// Bus fans invalidation events out to every subscribed process. Delivery is
// best-effort, at-most-once; the first tier self-heals through TTLs when an
// event is lost.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, handler func(Event)) error
	Close() error
}

func encodeEvent(event Event) ([]byte, error) {
	body, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("memo: encode bus event: %w", err)
	}
	return body, nil
}

func decodeEvent(body []byte) (Event, error) {
	var event Event
	if err := msgpack.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("memo: decode bus event: %w", err)
	}
	return event, nil
}

// localBus is an in-process loopback used by tests and single-process
// deployments that still want the invalidation flow.
type localBus struct {
	mu       sync.Mutex
	handlers []func(Event)
	closed   bool
}

// NewLocalBus returns an in-process Bus.
func NewLocalBus() Bus { return &localBus{} }

func (b *localBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	handlers := append(([]func(Event))(nil), b.handlers...)
	b.mu.Unlock()

	// Round trip through the wire encoding so local and remote buses
	// deliver identical payloads.
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}
	decoded, err := decodeEvent(body)
	if err != nil {
		return err
	}
	for _, h := range handlers {
		h(decoded)
	}
	return nil
}

func (b *localBus) Subscribe(_ context.Context, handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
