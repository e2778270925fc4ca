package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/honeynil/ReferralCreditService/internal/models"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const purchaseColumns = `id, account_id, product_name, amount, is_first_purchase, referral_credit_processed, created_at`

type PostgresPurchaseRepository struct {
	db DBTX
}

func NewPostgresPurchaseRepository(db DBTX) *PostgresPurchaseRepository {
	return &PostgresPurchaseRepository{db: db}
}

func (r *PostgresPurchaseRepository) Create(ctx context.Context, purchase *models.Purchase) (err error) {
	ctx, span, done := observe(ctx, "purchase-repository", "CreatePurchase")
	defer func() { done(err) }()

	if purchase == nil {
		err = pkgerrors.ErrNilPurchase
		slog.Error("failed to create purchase", "method", "Create", "error", err)
		return err
	}
	if !purchase.Amount.IsPositive() {
		err = fmt.Errorf("%w: purchase amount must be positive", pkgerrors.ErrInvalidAmount)
		slog.Error("invalid purchase amount", "method", "Create", "amount", purchase.Amount.String(), "error", err)
		return err
	}
	if strings.TrimSpace(purchase.ProductName) == "" {
		err = fmt.Errorf("%w: product name is required", pkgerrors.ErrInvalidInput)
		return err
	}

	span.SetAttributes(
		attribute.Int64("account_id", purchase.AccountID),
		attribute.String("amount", purchase.Amount.String()),
		attribute.Bool("is_first_purchase", purchase.IsFirstPurchase),
	)

	query := `
		INSERT INTO purchases (account_id, product_name, amount, is_first_purchase)
		VALUES ($1, $2, $3, $4)
		RETURNING id, referral_credit_processed, created_at`
	err = r.db.QueryRowContext(ctx, query, purchase.AccountID, purchase.ProductName, purchase.Amount, purchase.IsFirstPurchase).
		Scan(&purchase.ID, &purchase.ReferralCreditProcessed, &purchase.CreatedAt)
	if err != nil {
		slog.Error("failed to create purchase", "method", "Create", "account_id", purchase.AccountID, "error", err)
		return fmt.Errorf("failed to create purchase: %w", err)
	}

	slog.Info("purchase created", "method", "Create", "purchase_id", purchase.ID, "account_id", purchase.AccountID, "is_first_purchase", purchase.IsFirstPurchase)
	return nil
}

func (r *PostgresPurchaseRepository) GetByID(ctx context.Context, id int64) (*models.Purchase, error) {
	return r.getOne(ctx, "GetPurchaseByID", `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
}

func (r *PostgresPurchaseRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Purchase, error) {
	return r.getOne(ctx, "GetPurchaseByIDForUpdate", `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresPurchaseRepository) MarkReferralProcessed(ctx context.Context, id int64) (err error) {
	ctx, span, done := observe(ctx, "purchase-repository", "MarkPurchaseProcessed")
	defer func() { done(err) }()
	span.SetAttributes(attribute.Int64("purchase_id", id))

	query := `UPDATE purchases SET referral_credit_processed = TRUE WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Error("failed to mark purchase processed", "method", "MarkReferralProcessed", "purchase_id", id, "error", err)
		return fmt.Errorf("failed to mark purchase processed: %w", err)
	}
	return expectOneRow(res, pkgerrors.ErrPurchaseNotFound)
}

func (r *PostgresPurchaseRepository) ListByAccount(ctx context.Context, accountID int64, limit int) (purchases []models.Purchase, err error) {
	ctx, _, done := observe(ctx, "purchase-repository", "ListPurchasesByAccount")
	defer func() { done(err) }()

	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		slog.Error("failed to list purchases", "method", "ListByAccount", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	purchases = make([]models.Purchase, 0, limit)
	for rows.Next() {
		var p models.Purchase
		if err = rows.Scan(&p.ID, &p.AccountID, &p.ProductName, &p.Amount, &p.IsFirstPurchase, &p.ReferralCreditProcessed, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purchases: %w", err)
	}
	return purchases, nil
}

func (r *PostgresPurchaseRepository) getOne(ctx context.Context, method, query string, id int64) (purchase *models.Purchase, err error) {
	ctx, span, done := observe(ctx, "purchase-repository", method)
	defer func() { done(err) }()
	span.SetAttributes(attribute.Int64("purchase_id", id))

	var p models.Purchase
	err = r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.AccountID,
		&p.ProductName,
		&p.Amount,
		&p.IsFirstPurchase,
		&p.ReferralCreditProcessed,
		&p.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("purchase not found", "method", method, "purchase_id", id)
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	if err != nil {
		slog.Error("failed to get purchase", "method", method, "purchase_id", id, "error", err)
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return &p, nil
}
