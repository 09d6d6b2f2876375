package memo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultBusChannel is the pub/sub channel used when none is configured.
const DefaultBusChannel = "memo:invalidation"

type redisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	sub    *redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus builds an invalidation bus on a Redis pub/sub channel.
func NewRedisBus(client redis.UniversalClient, channel string, logger *slog.Logger) Bus {
	if channel == "" {
		channel = DefaultBusChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBus{client: client, channel: channel, logger: logger}
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, body).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	b.sub = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range sub.Channel() {
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("memo: dropping undecodable invalidation event",
					"channel", b.channel, "error", err)
				continue
			}
			handler(event)
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	b.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	b.wg.Wait()
	return err
}
