package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-process event channel with the same contract as the broker
// transports: fanout to named consumer groups, at-least-once delivery, and
// ordered delivery per key within a group (each group drains a single FIFO).
// It backs the tests and needs no running infrastructure.
type Bus struct {
	mu      sync.Mutex
	logger  *slog.Logger
	streams map[string]map[string]chan Message
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:  logger,
		streams: make(map[string]map[string]chan Message),
	}
}

// BusPublisher publishes to every group subscribed to the stream. A stream
// with no subscribers drops the message, like a fanout exchange with no
// bound queues.
type BusPublisher struct {
	bus    *Bus
	stream string
}

func (b *Bus) Publisher(stream string) *BusPublisher {
	return &BusPublisher{bus: b, stream: stream}
}

func (p *BusPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	p.bus.mu.Lock()
	groups := p.bus.streams[p.stream]
	channels := make([]chan Message, 0, len(groups))
	for _, ch := range groups {
		channels = append(channels, ch)
	}
	p.bus.mu.Unlock()

	body := make([]byte, len(payload))
	copy(body, payload)

	for _, ch := range channels {
		select {
		case ch <- Message{Key: key, Body: body}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *BusPublisher) Close() error { return nil }

// BusConsumer drains one group's queue.
type BusConsumer struct {
	bus   *Bus
	queue chan Message
}

func (b *Bus) Consumer(stream, group string) *BusConsumer {
	b.mu.Lock()
	defer b.mu.Unlock()

	groups, ok := b.streams[stream]
	if !ok {
		groups = make(map[string]chan Message)
		b.streams[stream] = groups
	}
	ch, ok := groups[group]
	if !ok {
		ch = make(chan Message, 256)
		groups[group] = ch
	}
	return &BusConsumer{bus: b, queue: ch}
}

func (c *BusConsumer) Start(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.queue:
			if err := handler(ctx, msg); err != nil {
				c.bus.logger.Error("handle message failed, dropping", "err", err)
			}
		}
	}
}

func (c *BusConsumer) Close() error { return nil }

// Drain synchronously delivers everything queued for one group to the
// handler and returns. Tests use it to step the choreography deterministically
// instead of racing a Start goroutine.
func (c *BusConsumer) Drain(ctx context.Context, handler Handler) {
	for {
		select {
		case msg := <-c.queue:
			if err := handler(ctx, msg); err != nil {
				c.bus.logger.Error("handle message failed, dropping", "err", err)
			}
		default:
			return
		}
	}
}
