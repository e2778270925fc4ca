package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/ReferralCreditService/internal/models"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const referralColumns = `id, referrer_id, referred_account_id, status, credits_awarded, converted_at, created_at`

type PostgresReferralRepository struct {
	db DBTX
}

func NewPostgresReferralRepository(db DBTX) *PostgresReferralRepository {
	return &PostgresReferralRepository{db: db}
}

func (r *PostgresReferralRepository) Create(ctx context.Context, referral *models.Referral) (err error) {
	ctx, span, done := observe(ctx, "referral-repository", "CreateReferral")
	defer func() { done(err) }()

	if referral == nil {
		err = pkgerrors.ErrNilReferral
		slog.Error("failed to create referral", "method", "Create", "error", err)
		return err
	}
	if referral.ReferrerID == referral.ReferredAccountID {
		err = pkgerrors.ErrSelfReferral
		slog.Error("self referral rejected", "method", "Create", "account_id", referral.ReferrerID)
		return err
	}
	if referral.Status == "" {
		referral.Status = models.ReferralPending
	}

	span.SetAttributes(
		attribute.Int64("referrer_id", referral.ReferrerID),
		attribute.Int64("referred_account_id", referral.ReferredAccountID),
	)

	query := `
		INSERT INTO referrals (referrer_id, referred_account_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, credits_awarded, created_at`
	err = r.db.QueryRowContext(ctx, query, referral.ReferrerID, referral.ReferredAccountID, referral.Status).
		Scan(&referral.ID, &referral.CreditsAwarded, &referral.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			err = pkgerrors.ErrDuplicateReferral
			slog.Warn("referred account already has a referral", "method", "Create", "referred_account_id", referral.ReferredAccountID)
			return err
		}
		slog.Error("failed to create referral", "method", "Create", "referrer_id", referral.ReferrerID, "referred_account_id", referral.ReferredAccountID, "error", err)
		return fmt.Errorf("failed to create referral: %w", err)
	}

	slog.Info("referral created", "method", "Create", "referral_id", referral.ID, "referrer_id", referral.ReferrerID, "referred_account_id", referral.ReferredAccountID)
	return nil
}

func (r *PostgresReferralRepository) GetByReferredID(ctx context.Context, referredID int64) (*models.Referral, error) {
	return r.getOne(ctx, "GetReferralByReferredID", `SELECT `+referralColumns+` FROM referrals WHERE referred_account_id = $1`, referredID)
}

func (r *PostgresReferralRepository) GetByReferredIDForUpdate(ctx context.Context, referredID int64) (*models.Referral, error) {
	return r.getOne(ctx, "GetReferralByReferredIDForUpdate", `SELECT `+referralColumns+` FROM referrals WHERE referred_account_id = $1 FOR UPDATE`, referredID)
}

// MarkConverted moves a pending referral to converted and sets its
// credits-awarded flag. A referral that was already awarded is not touched
// and yields ErrReferralNotFound.
func (r *PostgresReferralRepository) MarkConverted(ctx context.Context, referral *models.Referral) (err error) {
	ctx, span, done := observe(ctx, "referral-repository", "MarkReferralConverted")
	defer func() { done(err) }()

	if referral == nil {
		err = pkgerrors.ErrNilReferral
		return err
	}
	span.SetAttributes(attribute.Int64("referral_id", referral.ID))

	query := `
		UPDATE referrals
		SET status = $1, credits_awarded = TRUE, converted_at = NOW()
		WHERE id = $2 AND credits_awarded = FALSE
		RETURNING converted_at`
	var convertedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, query, models.ReferralConverted, referral.ID).Scan(&convertedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("referral %d is missing or already converted: %w", referral.ID, pkgerrors.ErrReferralNotFound)
		slog.Error("failed to convert referral", "method", "MarkConverted", "referral_id", referral.ID, "error", err)
		return err
	}
	if err != nil {
		slog.Error("failed to convert referral", "method", "MarkConverted", "referral_id", referral.ID, "error", err)
		return fmt.Errorf("failed to convert referral: %w", err)
	}

	referral.Status = models.ReferralConverted
	referral.CreditsAwarded = true
	if convertedAt.Valid {
		referral.ConvertedAt = &convertedAt.Time
	}
	slog.Info("referral converted", "method", "MarkConverted", "referral_id", referral.ID, "referrer_id", referral.ReferrerID)
	return nil
}

func (r *PostgresReferralRepository) CountByReferrer(ctx context.Context, referrerID int64) (counts models.ReferralCounts, err error) {
	ctx, _, done := observe(ctx, "referral-repository", "CountReferralsByReferrer")
	defer func() { done(err) }()

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'converted')
		FROM referrals
		WHERE referrer_id = $1`
	err = r.db.QueryRowContext(ctx, query, referrerID).Scan(&counts.Total, &counts.Pending, &counts.Converted)
	if err != nil {
		slog.Error("failed to count referrals", "method", "CountByReferrer", "referrer_id", referrerID, "error", err)
		return models.ReferralCounts{}, fmt.Errorf("failed to count referrals: %w", err)
	}
	return counts, nil
}

func (r *PostgresReferralRepository) ListByReferrer(ctx context.Context, referrerID int64, limit int) (referred []models.ReferredAccount, err error) {
	ctx, _, done := observe(ctx, "referral-repository", "ListReferralsByReferrer")
	defer func() { done(err) }()

	query := `
		SELECT r.id, a.id, a.name, a.email, a.has_made_purchase, r.status, r.credits_awarded, r.created_at, r.converted_at
		FROM referrals r
		JOIN accounts a ON a.id = r.referred_account_id
		WHERE r.referrer_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, referrerID, limit)
	if err != nil {
		slog.Error("failed to list referrals", "method", "ListByReferrer", "referrer_id", referrerID, "error", err)
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	referred = make([]models.ReferredAccount, 0, limit)
	for rows.Next() {
		var (
			item        models.ReferredAccount
			convertedAt sql.NullTime
		)
		if err = rows.Scan(&item.ReferralID, &item.AccountID, &item.Name, &item.Email, &item.HasMadePurchase,
			&item.Status, &item.CreditsAwarded, &item.CreatedAt, &convertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		if convertedAt.Valid {
			item.ConvertedAt = &convertedAt.Time
		}
		referred = append(referred, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate referrals: %w", err)
	}
	return referred, nil
}

func (r *PostgresReferralRepository) getOne(ctx context.Context, method, query string, referredID int64) (referral *models.Referral, err error) {
	ctx, span, done := observe(ctx, "referral-repository", method)
	defer func() { done(err) }()
	span.SetAttributes(attribute.Int64("referred_account_id", referredID))

	var (
		ref         models.Referral
		convertedAt sql.NullTime
	)
	err = r.db.QueryRowContext(ctx, query, referredID).Scan(
		&ref.ID,
		&ref.ReferrerID,
		&ref.ReferredAccountID,
		&ref.Status,
		&ref.CreditsAwarded,
		&convertedAt,
		&ref.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrReferralNotFound
	}
	if err != nil {
		slog.Error("failed to get referral", "method", method, "referred_account_id", referredID, "error", err)
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	if convertedAt.Valid {
		ref.ConvertedAt = &convertedAt.Time
	}
	return &ref, nil
}
