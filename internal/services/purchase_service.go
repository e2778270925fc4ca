package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/kafka"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	minProductName   = 3
	maxProductName   = 100
	purchaseListSize = 50
)

var (
	minPurchaseAmount = decimal.New(1, -2)
	// purchases.amount is NUMERIC(12, 2)
	maxPurchaseAmount = decimal.New(1, 10)
)

// PurchaseOutcome is a stored purchase together with the settlement it
// triggered. Settlement is nil when it failed and was queued for retry.
type PurchaseOutcome struct {
	Purchase   *models.Purchase         `json:"purchase"`
	Settlement *models.SettlementResult `json:"settlement,omitempty"`
	Queued     bool                     `json:"settlement_queued,omitempty"`
}

type PurchaseService struct {
	repos    repository.Repositories
	settler  Settler
	producer kafka.KafkaProducer
}

// NewPurchaseService builds the service. producer is optional.
func NewPurchaseService(repos repository.Repositories, settler Settler, producer kafka.KafkaProducer) *PurchaseService {
	return &PurchaseService{repos: repos, settler: settler, producer: producer}
}

// CreatePurchase stores a purchase and settles it right away. A failed
// settlement leaves the purchase unprocessed and queues it on Kafka.
func (s *PurchaseService) CreatePurchase(ctx context.Context, accountID int64, productName string, amount decimal.Decimal) (*PurchaseOutcome, error) {
	tracer := otel.Tracer("purchase-service")
	ctx, span := tracer.Start(ctx, "CreatePurchase")
	defer span.End()
	span.SetAttributes(attribute.Int64("account_id", accountID))

	productName = strings.TrimSpace(productName)
	if n := utf8.RuneCountInString(productName); n < minProductName || n > maxProductName {
		span.SetStatus(codes.Error, "invalid product name")
		return nil, fmt.Errorf("%w: product name must be between %d and %d characters", pkgerrors.ErrInvalidInput, minProductName, maxProductName)
	}
	if amount.LessThan(minPurchaseAmount) || !amount.Equal(amount.Round(2)) {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, fmt.Errorf("%w: amount must be at least 0.01 with at most two decimals", pkgerrors.ErrInvalidAmount)
	}
	if !amount.LessThan(maxPurchaseAmount) {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, fmt.Errorf("%w: amount must be below %s", pkgerrors.ErrInvalidAmount, maxPurchaseAmount.String())
	}

	account, err := s.repos.Accounts().GetByID(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	purchase := &models.Purchase{
		AccountID:       accountID,
		ProductName:     productName,
		Amount:          amount.Round(2),
		IsFirstPurchase: !account.HasMadePurchase,
	}
	if err := s.repos.Purchases().Create(ctx, purchase); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase creation failed")
		return nil, err
	}

	outcome := &PurchaseOutcome{Purchase: purchase}
	result, err := s.settler.Settle(ctx, purchase.ID)
	if err != nil {
		span.RecordError(err)
		slog.Error("settlement failed, queueing purchase", "purchase_id", purchase.ID, "error", err)
		outcome.Queued = s.queue(ctx, purchase)
		return outcome, nil
	}

	purchase.ReferralCreditProcessed = purchase.ReferralCreditProcessed || result.Success
	outcome.Settlement = result
	slog.Info("purchase created",
		"purchase_id", purchase.ID,
		"account_id", accountID,
		"is_first_purchase", purchase.IsFirstPurchase,
		"settlement", result.Reason)
	return outcome, nil
}

func (s *PurchaseService) ListPurchases(ctx context.Context, accountID int64) ([]models.Purchase, error) {
	return s.repos.Purchases().ListByAccount(ctx, accountID, purchaseListSize)
}

// RetrySettlement re-runs settlement for a purchase owned by accountID.
func (s *PurchaseService) RetrySettlement(ctx context.Context, accountID, purchaseID int64) (*models.SettlementResult, error) {
	purchase, err := s.repos.Purchases().GetByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase.AccountID != accountID {
		slog.Warn("settlement retry by non-owner", "purchase_id", purchaseID, "account_id", accountID)
		return nil, pkgerrors.ErrForbidden
	}
	return s.settler.Settle(ctx, purchaseID)
}

func (s *PurchaseService) queue(ctx context.Context, purchase *models.Purchase) bool {
	if s.producer == nil {
		return false
	}
	err := kafka.Publish(ctx, s.producer, kafka.TopicPurchases, purchase.ID, kafka.EventPurchaseCreated, kafka.PurchaseCreated{
		PurchaseID:      purchase.ID,
		AccountID:       purchase.AccountID,
		Amount:          purchase.Amount.StringFixed(2),
		IsFirstPurchase: purchase.IsFirstPurchase,
	})
	if err != nil {
		slog.Error("failed to queue purchase for settlement", "purchase_id", purchase.ID, "error", err)
		return false
	}
	return true
}
