package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/honeynil/ReferralCreditService/internal/models"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Settler interface {
	Settle(ctx context.Context, purchaseID int64) (*models.SettlementResult, error)
}

const defaultRedeliveryDelay = time.Second

// Consumer re-submits settlement for purchase_created events. Settlement is
// idempotent, so redelivered messages are harmless. A message whose
// settlement keeps conflicting is never committed as done: it is re-published
// to the purchases topic, or retried in place when that is not possible.
type Consumer struct {
	reader          MessageReader
	settler         Settler
	requeue         KafkaProducer
	backoff         func() backoff.BackOff
	redeliveryDelay time.Duration
}

// NewConsumer reads the purchases topic. requeue is optional.
func NewConsumer(brokers []string, groupID string, settler Settler, requeue KafkaProducer) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    TopicPurchases,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return NewConsumerWithReader(reader, settler, requeue)
}

func NewConsumerWithReader(reader MessageReader, settler Settler, requeue KafkaProducer) *Consumer {
	return &Consumer{
		reader:  reader,
		settler: settler,
		requeue: requeue,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		redeliveryDelay: defaultRedeliveryDelay,
	}
}

// Consume blocks until ctx is cancelled or the reader fails permanently.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("failed to read Kafka message", "topic", TopicPurchases, "error", err)
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if !c.process(ctx, msg) {
			// left uncommitted, redelivered after restart
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to commit Kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

// process reports whether msg may be committed. It returns false only when
// ctx is cancelled before the message was settled or handed back to Kafka.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !stderrors.Is(err, pkgerrors.ErrTransactionConflict) {
			slog.Error("dropping unprocessable Kafka message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			return true
		}
		if c.republish(ctx, msg) {
			return true
		}

		slog.Warn("settlement still conflicting, redelivering message", "offset", msg.Offset, "error", err)
		t := time.NewTimer(c.redeliveryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// republish appends msg to the end of the purchases topic so the partition
// can move on while the purchase waits for another attempt.
func (c *Consumer) republish(ctx context.Context, msg kafka.Message) bool {
	if c.requeue == nil {
		return false
	}
	_, payload, err := decodePurchaseCreated(msg)
	if err != nil {
		return false
	}
	if err := c.requeue.Send(ctx, TopicPurchases, payload.PurchaseID, msg.Value); err != nil {
		slog.Error("failed to re-publish purchase for settlement", "purchase_id", payload.PurchaseID, "error", err)
		return false
	}
	slog.Info("purchase re-published for settlement", "purchase_id", payload.PurchaseID, "offset", msg.Offset)
	return true
}

func decodePurchaseCreated(msg kafka.Message) (Event, PurchaseCreated, error) {
	var (
		event   Event
		payload PurchaseCreated
	)
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return event, payload, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Type != EventPurchaseCreated {
		return event, payload, nil
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return event, payload, fmt.Errorf("failed to unmarshal purchase_created payload: %w", err)
	}
	if payload.PurchaseID <= 0 {
		return event, payload, fmt.Errorf("invalid purchase_created event %s: missing purchase_id", event.ID)
	}
	return event, payload, nil
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	event, payload, err := decodePurchaseCreated(msg)
	if err != nil {
		return err
	}
	if event.Type != EventPurchaseCreated {
		slog.Debug("skipping event", "event_type", event.Type, "event_id", event.ID)
		return nil
	}

	var result *models.SettlementResult
	op := func() error {
		var err error
		result, err = c.settler.Settle(ctx, payload.PurchaseID)
		if err == nil || stderrors.Is(err, pkgerrors.ErrTransactionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return fmt.Errorf("settle purchase %d: %w", payload.PurchaseID, err)
	}

	slog.Info("purchase settled from event",
		"event_id", event.ID,
		"purchase_id", payload.PurchaseID,
		"success", result.Success,
		"reason", result.Reason)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
