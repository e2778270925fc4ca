package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/honeynil/ReferralCreditService/internal/models"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresLedgerRepository struct {
	db DBTX
}

func NewPostgresLedgerRepository(db DBTX) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

func (r *PostgresLedgerRepository) Append(ctx context.Context, entry *models.CreditTransaction) (err error) {
	ctx, span, done := observe(ctx, "ledger-repository", "AppendCreditTransaction")
	defer func() { done(err) }()

	if entry == nil {
		err = pkgerrors.ErrNilCreditTransaction
		slog.Error("failed to append credit transaction", "method", "Append", "error", err)
		return err
	}
	if !entry.Type.Valid() {
		err = pkgerrors.ErrInvalidCreditType
		slog.Error("invalid credit transaction type", "method", "Append", "type", entry.Type, "error", err)
		return err
	}
	if entry.Amount == 0 {
		err = fmt.Errorf("%w: credit amount cannot be zero", pkgerrors.ErrInvalidAmount)
		slog.Error("invalid credit amount", "method", "Append", "error", err)
		return err
	}

	span.SetAttributes(
		attribute.Int64("account_id", entry.AccountID),
		attribute.Int64("amount", entry.Amount),
		attribute.String("type", string(entry.Type)),
	)

	query := `
		INSERT INTO credit_transactions (account_id, amount, type, description, purchase_id, referral_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err = r.db.QueryRowContext(ctx, query,
		entry.AccountID,
		entry.Amount,
		entry.Type,
		entry.Description,
		entry.PurchaseID,
		entry.ReferralID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		slog.Error("failed to append credit transaction", "method", "Append", "account_id", entry.AccountID, "type", entry.Type, "error", err)
		return fmt.Errorf("failed to append credit transaction: %w", err)
	}

	slog.Info("credit transaction appended", "method", "Append", "id", entry.ID, "account_id", entry.AccountID, "amount", entry.Amount, "type", entry.Type)
	return nil
}

func (r *PostgresLedgerRepository) ListByAccount(ctx context.Context, accountID int64, limit, offset int) (entries []models.CreditTransaction, err error) {
	ctx, span, done := observe(ctx, "ledger-repository", "ListCreditTransactions")
	defer func() { done(err) }()
	span.SetAttributes(attribute.Int64("account_id", accountID), attribute.Int("limit", limit), attribute.Int("offset", offset))

	query := `
		SELECT id, account_id, amount, type, description, purchase_id, referral_id, created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		slog.Error("failed to list credit transactions", "method", "ListByAccount", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	entries = make([]models.CreditTransaction, 0, limit)
	for rows.Next() {
		var (
			e          models.CreditTransaction
			purchaseID sql.NullInt64
			referralID sql.NullInt64
		)
		if err = rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Type, &e.Description, &purchaseID, &referralID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		if purchaseID.Valid {
			e.PurchaseID = &purchaseID.Int64
		}
		if referralID.Valid {
			e.ReferralID = &referralID.Int64
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credit transactions: %w", err)
	}
	return entries, nil
}

func (r *PostgresLedgerRepository) SumByAccount(ctx context.Context, accountID int64) (int64, error) {
	return r.sum(ctx, "SumCreditsByAccount",
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE account_id = $1`, accountID)
}

func (r *PostgresLedgerRepository) SumByAccountAndType(ctx context.Context, accountID int64, creditType models.CreditType) (int64, error) {
	if !creditType.Valid() {
		return 0, pkgerrors.ErrInvalidCreditType
	}
	return r.sum(ctx, "SumCreditsByAccountAndType",
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE account_id = $1 AND type = $2`, accountID, creditType)
}

func (r *PostgresLedgerRepository) SumEarnedByAccount(ctx context.Context, accountID int64) (int64, error) {
	return r.sum(ctx, "SumEarnedByAccount",
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE account_id = $1 AND amount > 0`, accountID)
}

func (r *PostgresLedgerRepository) sum(ctx context.Context, method, query string, args ...any) (total int64, err error) {
	ctx, _, done := observe(ctx, "ledger-repository", method)
	defer func() { done(err) }()

	err = r.db.QueryRowContext(ctx, query, args...).Scan(&total)
	if err != nil {
		slog.Error("failed to sum credit transactions", "method", method, "error", err)
		return 0, fmt.Errorf("failed to sum credit transactions: %w", err)
	}
	return total, nil
}
