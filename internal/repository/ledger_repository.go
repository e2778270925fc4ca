package repository

import (
	"context"

	"github.com/honeynil/ReferralCreditService/internal/models"
)

// LedgerRepository is append-only: there is no update or delete.
type LedgerRepository interface {
	Append(ctx context.Context, entry *models.CreditTransaction) error
	ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.CreditTransaction, error)
	SumByAccount(ctx context.Context, accountID int64) (int64, error)
	SumByAccountAndType(ctx context.Context, accountID int64, creditType models.CreditType) (int64, error)
	SumEarnedByAccount(ctx context.Context, accountID int64) (int64, error)
}
