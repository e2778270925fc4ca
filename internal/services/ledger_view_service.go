package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/redis"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	dashboardReferredLimit     = 20
	dashboardTransactionsLimit = 10
	recentReferralsLimit       = 10

	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100

	publicDetailsTTL = 5 * time.Minute
)

func publicDetailsKey(code string) string {
	return "referral:details:" + code
}

// ConversionRate formats converted/total as a percentage with one decimal
// place. It is "0.0" when there are no referrals.
func ConversionRate(converted, total int64) string {
	if total <= 0 {
		return "0.0"
	}
	return decimal.NewFromInt(converted).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total)).
		StringFixed(1)
}

// LedgerView is the read side over accounts, referrals and the ledger.
type LedgerView struct {
	repos    repository.Repositories
	registry *ReferralRegistry
	cache    redis.RedisClient
}

// NewLedgerView builds the view. cache is optional.
func NewLedgerView(repos repository.Repositories, registry *ReferralRegistry, cache redis.RedisClient) *LedgerView {
	return &LedgerView{repos: repos, registry: registry, cache: cache}
}

func (v *LedgerView) Dashboard(ctx context.Context, accountID int64) (*models.Dashboard, error) {
	tracer := otel.Tracer("ledger-view")
	ctx, span := tracer.Start(ctx, "Dashboard")
	defer span.End()
	span.SetAttributes(attribute.Int64("account_id", accountID))

	account, err := v.repos.Accounts().GetByID(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account lookup failed")
		return nil, err
	}
	counts, err := v.repos.Referrals().CountByReferrer(ctx, accountID)
	if err != nil {
		return nil, err
	}
	earned, err := v.repos.Ledger().SumEarnedByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	referred, err := v.repos.Referrals().ListByReferrer(ctx, accountID, dashboardReferredLimit)
	if err != nil {
		return nil, err
	}
	recent, err := v.repos.Ledger().ListByAccount(ctx, accountID, dashboardTransactionsLimit, 0)
	if err != nil {
		return nil, err
	}

	return &models.Dashboard{
		Account: summary(account, true),
		Stats: models.DashboardStats{
			TotalReferredUsers: counts.Total,
			ConvertedUsers:     counts.Converted,
			TotalCreditsEarned: earned,
			ConversionRate:     ConversionRate(counts.Converted, counts.Total),
		},
		ReferredUsers:      referred,
		RecentTransactions: recent,
	}, nil
}

func (v *LedgerView) ReferralStats(ctx context.Context, accountID int64) (*models.ReferralStats, error) {
	tracer := otel.Tracer("ledger-view")
	ctx, span := tracer.Start(ctx, "ReferralStats")
	defer span.End()

	account, err := v.repos.Accounts().GetByID(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	counts, err := v.repos.Referrals().CountByReferrer(ctx, accountID)
	if err != nil {
		return nil, err
	}
	fromReferrals, err := v.repos.Ledger().SumByAccountAndType(ctx, accountID, models.CreditReferralReward)
	if err != nil {
		return nil, err
	}
	recent, err := v.repos.Referrals().ListByReferrer(ctx, accountID, recentReferralsLimit)
	if err != nil {
		return nil, err
	}

	return &models.ReferralStats{
		Account:              summary(account, false),
		TotalReferrals:       counts.Total,
		PendingReferrals:     counts.Pending,
		ConvertedReferrals:   counts.Converted,
		ConversionRate:       ConversionRate(counts.Converted, counts.Total),
		CreditsFromReferrals: fromReferrals,
		RecentReferrals:      recent,
	}, nil
}

// CreditHistory pages through the ledger of an account, newest first, and
// cross-checks the stored balance against the ledger sum.
func (v *LedgerView) CreditHistory(ctx context.Context, accountID int64, limit, offset int) (*models.CreditHistory, error) {
	tracer := otel.Tracer("ledger-view")
	ctx, span := tracer.Start(ctx, "CreditHistory")
	defer span.End()

	limit, offset = clampPage(limit, offset)

	account, err := v.repos.Accounts().GetByID(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	total, err := v.repos.Ledger().SumByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	earned, err := v.repos.Ledger().SumEarnedByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := v.repos.Ledger().ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}

	consistent := account.CreditBalance == total
	if !consistent {
		span.SetStatus(codes.Error, "balance differs from ledger")
		slog.Error("credit balance differs from ledger sum",
			"account_id", accountID,
			"balance", account.CreditBalance,
			"ledger_total", total)
	}

	return &models.CreditHistory{
		CreditBalance: account.CreditBalance,
		LedgerTotal:   total,
		TotalEarned:   earned,
		Consistent:    consistent,
		Limit:         limit,
		Offset:        offset,
		Transactions:  entries,
	}, nil
}

// ValidateCode checks a code without revealing anything but the referrer's
// name. Unknown codes are reported as invalid, not as errors.
func (v *LedgerView) ValidateCode(ctx context.Context, code string) (*models.CodeValidation, error) {
	account, err := v.registry.LookupByCode(ctx, code)
	if stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		return &models.CodeValidation{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.CodeValidation{
		Valid:        true,
		ReferrerName: account.Name,
		ReferralCode: account.ReferralCode,
	}, nil
}

// PublicReferralDetails returns the public profile of a referral code. The
// result is cached for a few minutes and dropped when the referrer converts
// a referral.
func (v *LedgerView) PublicReferralDetails(ctx context.Context, code string) (*models.PublicReferralDetails, error) {
	tracer := otel.Tracer("ledger-view")
	ctx, span := tracer.Start(ctx, "PublicReferralDetails")
	defer span.End()

	code = NormalizeCode(code)
	key := publicDetailsKey(code)

	if v.cache != nil {
		cached, err := v.cache.Get(ctx, key)
		switch {
		case err == nil:
			var details models.PublicReferralDetails
			if err := json.Unmarshal([]byte(cached), &details); err == nil {
				span.SetAttributes(attribute.Bool("cache_hit", true))
				return &details, nil
			}
			slog.Warn("failed to unmarshal cached referral details", "code", code)
		case !stderrors.Is(err, redis.ErrKeyNotFound):
			slog.Warn("failed to read referral details cache", "code", code, "error", err)
		}
	}

	account, err := v.registry.LookupByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	counts, err := v.repos.Referrals().CountByReferrer(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	details := &models.PublicReferralDetails{
		ReferrerName:       account.Name,
		ReferralCode:       account.ReferralCode,
		MemberSince:        account.CreatedAt,
		TotalReferrals:     counts.Total,
		ConvertedReferrals: counts.Converted,
		SuccessRate:        ConversionRate(counts.Converted, counts.Total),
	}

	if v.cache != nil {
		if raw, err := json.Marshal(details); err == nil {
			if err := v.cache.Set(ctx, key, string(raw), publicDetailsTTL); err != nil {
				slog.Warn("failed to cache referral details", "code", code, "error", err)
			}
		} else {
			slog.Error("failed to marshal referral details", "code", code, "error", err)
		}
	}
	return details, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func summary(account *models.Account, withEmail bool) models.AccountSummary {
	s := models.AccountSummary{
		Name:          account.Name,
		ReferralCode:  account.ReferralCode,
		CreditBalance: account.CreditBalance,
	}
	if withEmail {
		s.Email = account.Email
	}
	return s
}
