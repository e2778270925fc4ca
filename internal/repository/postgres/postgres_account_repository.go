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

const accountColumns = `id, email, password_hash, name, referral_code, referred_by, credit_balance, has_made_purchase, created_at, updated_at`

type PostgresAccountRepository struct {
	db DBTX
}

func NewPostgresAccountRepository(db DBTX) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func (r *PostgresAccountRepository) Create(ctx context.Context, account *models.Account) (err error) {
	ctx, span, done := observe(ctx, "account-repository", "CreateAccount")
	defer func() { done(err) }()

	if account == nil {
		err = pkgerrors.ErrNilAccount
		slog.Error("failed to create account", "method", "Create", "error", err)
		return err
	}
	if account.Email == "" || account.PasswordHash == "" || account.Name == "" || account.ReferralCode == "" {
		err = fmt.Errorf("%w: email, password hash, name and referral code are required", pkgerrors.ErrInvalidInput)
		slog.Error("invalid account", "method", "Create", "error", err)
		return err
	}

	span.SetAttributes(attribute.String("referral_code", account.ReferralCode))

	query := `
		INSERT INTO accounts (email, password_hash, name, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, credit_balance, has_made_purchase, created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query,
		strings.ToLower(account.Email),
		account.PasswordHash,
		account.Name,
		account.ReferralCode,
		account.ReferredBy,
	).Scan(&account.ID, &account.CreditBalance, &account.HasMadePurchase, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case "accounts_referral_code_key":
				err = pkgerrors.ErrReferralCodeTaken
			default:
				err = pkgerrors.ErrEmailExists
			}
			slog.Warn("account already exists", "method", "Create", "constraint", constraint, "error", err)
			return err
		}
		slog.Error("failed to create account", "method", "Create", "error", err)
		return fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created", "method", "Create", "account_id", account.ID, "referral_code", account.ReferralCode)
	return nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return r.getOne(ctx, "GetAccountByID", `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

func (r *PostgresAccountRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	return r.getOne(ctx, "GetAccountByIDForUpdate", `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email cannot be empty", pkgerrors.ErrInvalidInput)
	}
	return r.getOne(ctx, "GetAccountByEmail", `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

// GetByReferralCode matches codes case-insensitively by normalising to upper
// case; stored codes are always upper case.
func (r *PostgresAccountRepository) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return r.getOne(ctx, "GetAccountByReferralCode", `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code)
}

func (r *PostgresAccountRepository) ReferralCodeExists(ctx context.Context, code string) (exists bool, err error) {
	ctx, _, done := observe(ctx, "account-repository", "ReferralCodeExists")
	defer func() { done(err) }()

	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE referral_code = $1)`
	err = r.db.QueryRowContext(ctx, query, strings.ToUpper(code)).Scan(&exists)
	if err != nil {
		slog.Error("failed to check referral code", "method", "ReferralCodeExists", "code", code, "error", err)
		return false, fmt.Errorf("failed to check referral code: %w", err)
	}
	return exists, nil
}

func (r *PostgresAccountRepository) SetCreditBalance(ctx context.Context, id, balance int64) (err error) {
	ctx, span, done := observe(ctx, "account-repository", "SetCreditBalance")
	defer func() { done(err) }()
	span.SetAttributes(attribute.Int64("account_id", id), attribute.Int64("balance", balance))

	if balance < 0 {
		err = pkgerrors.ErrNegativeBalance
		slog.Error("refusing negative balance", "method", "SetCreditBalance", "account_id", id, "balance", balance)
		return err
	}

	query := `UPDATE accounts SET credit_balance = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, balance, id)
	if err != nil {
		if isCheckViolation(err) {
			return pkgerrors.ErrNegativeBalance
		}
		slog.Error("failed to update balance", "method", "SetCreditBalance", "account_id", id, "error", err)
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if err = expectOneRow(res, pkgerrors.ErrAccountNotFound); err != nil {
		slog.Error("balance update affected no account", "method", "SetCreditBalance", "account_id", id, "error", err)
		return err
	}

	slog.Info("balance updated", "method", "SetCreditBalance", "account_id", id, "balance", balance)
	return nil
}

func (r *PostgresAccountRepository) MarkPurchased(ctx context.Context, id int64) (err error) {
	ctx, span, done := observe(ctx, "account-repository", "MarkPurchased")
	defer func() { done(err) }()
	span.SetAttributes(attribute.Int64("account_id", id))

	query := `UPDATE accounts SET has_made_purchase = TRUE, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Error("failed to mark account purchased", "method", "MarkPurchased", "account_id", id, "error", err)
		return fmt.Errorf("failed to mark account purchased: %w", err)
	}
	if err = expectOneRow(res, pkgerrors.ErrAccountNotFound); err != nil {
		return err
	}
	return nil
}

func (r *PostgresAccountRepository) getOne(ctx context.Context, method, query string, arg any) (account *models.Account, err error) {
	ctx, _, done := observe(ctx, "account-repository", method)
	defer func() { done(err) }()

	account, err = scanAccount(r.db.QueryRowContext(ctx, query, arg))
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Debug("account not found", "method", method, "key", arg)
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		slog.Error("failed to get account", "method", method, "key", arg, "error", err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var (
		account    models.Account
		referredBy sql.NullInt64
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&account.Name,
		&account.ReferralCode,
		&referredBy,
		&account.CreditBalance,
		&account.HasMadePurchase,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if referredBy.Valid {
		account.ReferredBy = &referredBy.Int64
	}
	return &account, nil
}
