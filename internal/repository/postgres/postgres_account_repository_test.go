package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository/postgres"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountRowColumns = []string{
	"id", "email", "password_hash", "name", "referral_code", "referred_by",
	"credit_balance", "has_made_purchase", "created_at", "updated_at",
}

func TestPostgresAccountRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()

	t.Run("NilAccount", func(t *testing.T) {
		err := repo.Create(ctx, nil)
		assert.ErrorIs(t, err, pkgerrors.ErrNilAccount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MissingFields", func(t *testing.T) {
		err := repo.Create(ctx, &models.Account{Email: "a@example.com"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		account := &models.Account{
			Email:        "Alice@Example.com",
			PasswordHash: "hash",
			Name:         "Alice",
			ReferralCode: "ALICE123",
		}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO accounts (email, password_hash, name, referral_code, referred_by)`)).
			WithArgs("alice@example.com", "hash", "Alice", "ALICE123", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "credit_balance", "has_made_purchase", "created_at", "updated_at"}).
				AddRow(int64(7), int64(0), false, now, now))

		err := repo.Create(ctx, account)
		assert.NoError(t, err)
		assert.Equal(t, int64(7), account.ID)
		assert.Equal(t, now, account.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("EmailTaken", func(t *testing.T) {
		account := &models.Account{Email: "a@example.com", PasswordHash: "h", Name: "Al", ReferralCode: "AL123"}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO accounts`)).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "accounts_email_key"})

		err := repo.Create(ctx, account)
		assert.ErrorIs(t, err, pkgerrors.ErrEmailExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ReferralCodeTaken", func(t *testing.T) {
		account := &models.Account{Email: "b@example.com", PasswordHash: "h", Name: "Bo", ReferralCode: "BO123"}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO accounts`)).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "accounts_referral_code_key"})

		err := repo.Create(ctx, account)
		assert.ErrorIs(t, err, pkgerrors.ErrReferralCodeTaken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		account := &models.Account{Email: "c@example.com", PasswordHash: "h", Name: "Cy", ReferralCode: "CY123"}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO accounts`)).
			WillReturnError(fmt.Errorf("database error"))

		err := repo.Create(ctx, account)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "database error")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresAccountRepository_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("GetByIDWithReferrer", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE id = $1`)).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns).
				AddRow(int64(2), "b@example.com", "hash", "Bob", "BOB456", int64(1), int64(2), true, now, now))

		account, err := repo.GetByID(ctx, 2)
		require.NoError(t, err)
		require.NotNil(t, account.ReferredBy)
		assert.Equal(t, int64(1), *account.ReferredBy)
		assert.Equal(t, int64(2), account.CreditBalance)
		assert.True(t, account.HasMadePurchase)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetByIDForUpdateLocksRow", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE id = $1 FOR UPDATE`)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns).
				AddRow(int64(1), "a@example.com", "hash", "Alice", "ALICE123", nil, int64(0), false, now, now))

		account, err := repo.GetByIDForUpdate(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, account.ReferredBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE id = $1`)).
			WithArgs(int64(99)).
			WillReturnError(sql.ErrNoRows)

		account, err := repo.GetByID(ctx, 99)
		assert.Nil(t, account)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetByReferralCodeNormalisesCase", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE referral_code = $1`)).
			WithArgs("ALICE123").
			WillReturnRows(sqlmock.NewRows(accountRowColumns).
				AddRow(int64(1), "a@example.com", "hash", "Alice", "ALICE123", nil, int64(0), false, now, now))

		account, err := repo.GetByReferralCode(ctx, " alice123 ")
		require.NoError(t, err)
		assert.Equal(t, "Alice", account.Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetByReferralCodeEmpty", func(t *testing.T) {
		_, err := repo.GetByReferralCode(ctx, "  ")
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetByEmailEmpty", func(t *testing.T) {
		_, err := repo.GetByEmail(ctx, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("ReferralCodeExists", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM accounts WHERE referral_code = $1)`)).
			WithArgs("ALICE123").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		exists, err := repo.ReferralCodeExists(ctx, "alice123")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresAccountRepository_Updates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()

	t.Run("SetCreditBalance", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET credit_balance = $1, updated_at = NOW() WHERE id = $2`)).
			WithArgs(int64(4), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SetCreditBalance(ctx, 1, 4))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SetCreditBalanceNegative", func(t *testing.T) {
		err := repo.SetCreditBalance(ctx, 1, -1)
		assert.ErrorIs(t, err, pkgerrors.ErrNegativeBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SetCreditBalanceCheckViolation", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET credit_balance`)).
			WillReturnError(&pq.Error{Code: "23514"})

		err := repo.SetCreditBalance(ctx, 1, 0)
		assert.ErrorIs(t, err, pkgerrors.ErrNegativeBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SetCreditBalanceMissingAccount", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET credit_balance`)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.SetCreditBalance(ctx, 42, 2)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MarkPurchased", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET has_made_purchase = TRUE`)).
			WithArgs(int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.MarkPurchased(ctx, 3))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
