package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaProducer interface {
	Send(ctx context.Context, topic string, key int64, value []byte) error
	Close() error
}

// Producer writes domain events asynchronously. Purchases queued for
// settlement go through a synchronous writer so Send reports whether the
// broker accepted them.
type Producer struct {
	writer     *kafka.Writer
	syncWriter *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("async Kafka write failed", "messages", len(messages), "error", err)
			}
		},
	}
	syncWriter := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		MaxAttempts:            3,
	}
	return &Producer{writer: writer, syncWriter: syncWriter}
}

func (p *Producer) writerFor(topic string) *kafka.Writer {
	if topic == TopicPurchases {
		return p.syncWriter
	}
	return p.writer
}

// Send keys messages by account or purchase id so events of one entity stay
// ordered within a partition.
func (p *Producer) Send(ctx context.Context, topic string, key int64, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(fmt.Sprintf("%d", key)),
		Value: value,
	}
	if err := p.writerFor(topic).WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	slog.Debug("Kafka message sent", "topic", topic, "key", key)
	return nil
}

func (p *Producer) Close() error {
	if err := errors.Join(p.writer.Close(), p.syncWriter.Close()); err != nil {
		slog.Error("failed to close Kafka writers", "error", err)
		return err
	}
	slog.Info("Kafka writers closed")
	return nil
}
