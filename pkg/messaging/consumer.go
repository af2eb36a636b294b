package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// Message is a single delivery from an event stream.
type Message struct {
	Key  string
	Body []byte
}

// Handler processes one delivery. Delivery is at-least-once: the same message
// may be handed to the handler more than once, so handlers must be
// idempotent. A non-nil error is logged and the message dropped; redelivery
// is the transport's concern, not the application's.
type Handler func(ctx context.Context, msg Message) error

// Consumer delivers messages from one stream to a handler, one invocation
// per message, until the context is cancelled.
type Consumer interface {
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// RabbitConsumer binds a durable queue (one per consumer group) to a stream's
// fanout exchange.
type RabbitConsumer struct {
	conn   *amqp091.Connection
	queue  string
	logger *slog.Logger
}

func NewRabbitConsumer(url, exchange, queue string, logger *slog.Logger) (*RabbitConsumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(
		queue,
		"",
		exchange,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &RabbitConsumer{
		conn:   conn,
		queue:  queue,
		logger: logger,
	}, nil
}

func (c *RabbitConsumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed", "queue", c.queue)
				return nil
			}
			if err := handler(ctx, Message{Key: msg.MessageId, Body: msg.Body}); err != nil {
				c.logger.Error("handle message failed, dropping", "queue", c.queue, "err", err)
			}
			_ = msg.Ack(false)
		}
	}
}

func (c *RabbitConsumer) Close() error {
	return c.conn.Close()
}
