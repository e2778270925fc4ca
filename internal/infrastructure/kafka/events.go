package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TopicUsers     = "users"
	TopicPurchases = "purchases"
	TopicCredits   = "credits"

	EventUserRegistered    = "user_registered"
	EventPurchaseCreated   = "purchase_created"
	EventReferralConverted = "referral_converted"
)

// Event is the envelope of every message published by the service.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type UserRegistered struct {
	AccountID    int64  `json:"account_id"`
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code"`
	ReferredBy   *int64 `json:"referred_by,omitempty"`
}

type PurchaseCreated struct {
	PurchaseID      int64  `json:"purchase_id"`
	AccountID       int64  `json:"account_id"`
	Amount          string `json:"amount"`
	IsFirstPurchase bool   `json:"is_first_purchase"`
}

type ReferralConverted struct {
	PurchaseID     int64 `json:"purchase_id"`
	ReferrerID     int64 `json:"referrer_id"`
	BuyerID        int64 `json:"buyer_id"`
	ReferrerCredit int64 `json:"referrer_credit"`
	BuyerCredit    int64 `json:"buyer_credit"`
}

func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Publish wraps payload in an Event and sends it to topic.
func Publish(ctx context.Context, producer KafkaProducer, topic string, key int64, eventType string, payload any) error {
	event, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return producer.Send(ctx, topic, key, value)
}
