package messaging

import (
	"context"
	"log/slog"

	kafkaGo "github.com/segmentio/kafka-go"
)

// KafkaPublisher writes to one topic per stream. The Hash balancer routes by
// message key, so all events for one order land on the same partition and
// are delivered in order.
type KafkaPublisher struct {
	writer *kafkaGo.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafkaGo.Writer{
			Addr:     kafkaGo.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafkaGo.Hash{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafkaGo.Message{
		Key:   []byte(key),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads one topic within a consumer group.
type KafkaConsumer struct {
	reader *kafkaGo.Reader
	logger *slog.Logger
}

func NewKafkaConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafkaGo.NewReader(kafkaGo.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		logger: logger,
	}
}

func (c *KafkaConsumer) Start(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer shutting down", "topic", c.reader.Config().Topic)
				return nil
			}
			c.logger.Error("read message failed", "topic", c.reader.Config().Topic, "err", err)
			continue
		}

		if err := handler(ctx, Message{Key: string(msg.Key), Body: msg.Value}); err != nil {
			c.logger.Error("handle message failed, dropping", "topic", c.reader.Config().Topic, "err", err)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
