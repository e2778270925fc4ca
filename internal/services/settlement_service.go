package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/kafka"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/observability"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/redis"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errNoChange ends a settlement transaction with a rollback while the result
// is still reported as a normal outcome.
var errNoChange = stderrors.New("settlement: nothing to change")

type SettlementConfig struct {
	ReferralCredit int64
	PurchaseCredit int64
	MaxRetries     int
	RetryBackoff   time.Duration
}

type Settler interface {
	Settle(ctx context.Context, purchaseID int64) (*models.SettlementResult, error)
}

// SettlementEngine converts a first purchase into referral credits for the
// referrer and the buyer, exactly once per referral and per purchase.
type SettlementEngine struct {
	store    repository.Store
	cfg      SettlementConfig
	producer kafka.KafkaProducer
	cache    redis.RedisClient
}

// NewSettlementEngine builds the engine. producer and cache are optional.
func NewSettlementEngine(store repository.Store, cfg SettlementConfig, producer kafka.KafkaProducer, cache redis.RedisClient) *SettlementEngine {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return &SettlementEngine{store: store, cfg: cfg, producer: producer, cache: cache}
}

// Settle runs the settlement of purchaseID, retrying transaction conflicts up
// to the configured limit.
func (e *SettlementEngine) Settle(ctx context.Context, purchaseID int64) (*models.SettlementResult, error) {
	tracer := otel.Tracer("settlement-engine")
	ctx, span := tracer.Start(ctx, "Settle")
	defer span.End()
	span.SetAttributes(attribute.Int64("purchase_id", purchaseID))
	logger := observability.WithContext(ctx, "purchase_id", purchaseID)

	var (
		result   *models.SettlementResult
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		result, err = e.settleOnce(ctx, purchaseID)
		if err == nil {
			return nil
		}
		if stderrors.Is(err, pkgerrors.ErrTransactionConflict) {
			observability.SettlementConflicts.Inc()
			logger.Warn("settlement conflict", "attempt", attempts, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: e.cfg.RetryBackoff}, uint64(e.cfg.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		observability.SettlementOutcomes.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		logger.Error("settlement failed", "attempts", attempts, "error", err)
		return nil, err
	}

	observability.SettlementOutcomes.WithLabelValues(result.Reason).Inc()
	span.SetAttributes(attribute.String("reason", result.Reason), attribute.Int("attempts", attempts))
	logger.Info("purchase settled",
		"success", result.Success,
		"reason", result.Reason,
		"attempts", attempts)

	if result.CreditsMoved() {
		observability.CreditsAwarded.WithLabelValues(string(models.CreditReferralReward)).Add(float64(result.ReferrerCredit))
		observability.CreditsAwarded.WithLabelValues(string(models.CreditPurchaseReward)).Add(float64(result.BuyerCredit))
	}
	return result, nil
}

type settlement struct {
	result       *models.SettlementResult
	buyerID      int64
	referrerCode string
}

func (e *SettlementEngine) settleOnce(ctx context.Context, purchaseID int64) (*models.SettlementResult, error) {
	var s settlement
	err := e.store.WithinTx(ctx, func(tx repository.Repositories) error {
		return e.apply(ctx, tx, purchaseID, &s)
	})
	if err != nil && !stderrors.Is(err, errNoChange) {
		return nil, err
	}

	if s.result.CreditsMoved() {
		e.afterCommit(ctx, &s)
	}
	return s.result, nil
}

func (e *SettlementEngine) apply(ctx context.Context, tx repository.Repositories, purchaseID int64, s *settlement) error {
	purchase, err := tx.Purchases().GetByIDForUpdate(ctx, purchaseID)
	if err != nil {
		return err
	}
	s.buyerID = purchase.AccountID
	s.result = &models.SettlementResult{PurchaseID: purchaseID}

	if purchase.ReferralCreditProcessed {
		s.result.Reason = models.ReasonAlreadyProcessed
		return errNoChange
	}

	if !purchase.IsFirstPurchase {
		if err := tx.Purchases().MarkReferralProcessed(ctx, purchaseID); err != nil {
			return err
		}
		s.result.Success = true
		s.result.Reason = models.ReasonNotFirstPurchase
		return nil
	}

	referral, err := tx.Referrals().GetByReferredIDForUpdate(ctx, purchase.AccountID)
	if stderrors.Is(err, pkgerrors.ErrReferralNotFound) {
		if _, err := tx.Accounts().GetByIDForUpdate(ctx, purchase.AccountID); err != nil {
			return err
		}
		if err := tx.Accounts().MarkPurchased(ctx, purchase.AccountID); err != nil {
			return err
		}
		if err := tx.Purchases().MarkReferralProcessed(ctx, purchaseID); err != nil {
			return err
		}
		s.result.Success = true
		s.result.Reason = models.ReasonNoReferral
		return nil
	}
	if err != nil {
		return err
	}

	if referral.CreditsAwarded {
		s.result.Reason = models.ReasonAlreadyAwarded
		return errNoChange
	}

	referrer, buyer, err := lockPair(ctx, tx.Accounts(), referral.ReferrerID, purchase.AccountID)
	if err != nil {
		return err
	}

	if err := e.credit(ctx, tx, referrer, e.cfg.ReferralCredit, &models.CreditTransaction{
		Type:        models.CreditReferralReward,
		Description: fmt.Sprintf("Referral reward: %s made their first purchase", buyer.Name),
		PurchaseID:  &purchase.ID,
		ReferralID:  &referral.ID,
	}); err != nil {
		return err
	}

	if err := e.credit(ctx, tx, buyer, e.cfg.PurchaseCredit, &models.CreditTransaction{
		Type:        models.CreditPurchaseReward,
		Description: "First purchase reward for joining with a referral code",
		PurchaseID:  &purchase.ID,
		ReferralID:  &referral.ID,
	}); err != nil {
		return err
	}
	if err := tx.Accounts().MarkPurchased(ctx, buyer.ID); err != nil {
		return err
	}

	if err := tx.Referrals().MarkConverted(ctx, referral); err != nil {
		return err
	}
	if err := tx.Purchases().MarkReferralProcessed(ctx, purchaseID); err != nil {
		return err
	}

	s.referrerCode = referrer.ReferralCode
	s.result.Success = true
	s.result.Reason = models.ReasonCreditsAwarded
	s.result.ReferrerID = referrer.ID
	s.result.ReferrerCredit = e.cfg.ReferralCredit
	s.result.BuyerCredit = e.cfg.PurchaseCredit
	return nil
}

// credit adds amount to the locked account and appends the matching ledger
// entry, keeping balance equal to the ledger sum.
func (e *SettlementEngine) credit(ctx context.Context, tx repository.Repositories, account *models.Account, amount int64, entry *models.CreditTransaction) error {
	balance := account.CreditBalance + amount
	if err := tx.Accounts().SetCreditBalance(ctx, account.ID, balance); err != nil {
		return err
	}
	account.CreditBalance = balance

	entry.AccountID = account.ID
	entry.Amount = amount
	return tx.Ledger().Append(ctx, entry)
}

// lockPair locks both accounts in ascending id order so concurrent
// settlements touching the same pair cannot deadlock.
func lockPair(ctx context.Context, accounts repository.AccountRepository, referrerID, buyerID int64) (referrer, buyer *models.Account, err error) {
	first, second := referrerID, buyerID
	if second < first {
		first, second = second, first
	}
	locked := make(map[int64]*models.Account, 2)
	for _, id := range []int64{first, second} {
		account, err := accounts.GetByIDForUpdate(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("lock account %d: %w", id, err)
		}
		locked[id] = account
	}
	return locked[referrerID], locked[buyerID], nil
}

// afterCommit publishes the conversion and drops cached public statistics of
// the referrer. Failures are logged only.
func (e *SettlementEngine) afterCommit(ctx context.Context, s *settlement) {
	if e.producer != nil {
		err := kafka.Publish(ctx, e.producer, kafka.TopicCredits, s.buyerID, kafka.EventReferralConverted, kafka.ReferralConverted{
			PurchaseID:     s.result.PurchaseID,
			ReferrerID:     s.result.ReferrerID,
			BuyerID:        s.buyerID,
			ReferrerCredit: s.result.ReferrerCredit,
			BuyerCredit:    s.result.BuyerCredit,
		})
		if err != nil {
			slog.Error("failed to publish referral conversion", "purchase_id", s.result.PurchaseID, "error", err)
		}
	}
	if e.cache != nil && s.referrerCode != "" {
		if err := e.cache.Del(ctx, publicDetailsKey(s.referrerCode)); err != nil {
			slog.Warn("failed to invalidate referral details cache", "code", s.referrerCode, "error", err)
		}
	}
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
