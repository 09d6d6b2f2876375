package memo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultBusSubject is the NATS subject used when none is configured.
const DefaultBusSubject = "memo.invalidation"

// NATSPublisher captures the subset of nats.Conn used by the bus.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type natsBus struct {
	conn    NATSPublisher
	subject string
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSBus builds an invalidation bus on a core NATS subject.
func NewNATSBus(conn NATSPublisher, subject string, logger *slog.Logger) Bus {
	if subject == "" {
		subject = DefaultBusSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &natsBus{conn: conn, subject: subject, logger: logger}
}

func (b *natsBus) Publish(_ context.Context, event Event) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, body)
}

func (b *natsBus) Subscribe(_ context.Context, handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn("memo: dropping undecodable invalidation event",
				"subject", b.subject, "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *natsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var first error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	b.subs = nil
	return first
}
