package repository

import (
	"context"

	"github.com/honeynil/ReferralCreditService/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	// GetByIDForUpdate reads the account and holds its row lock until the
	// surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByReferralCode(ctx context.Context, code string) (*models.Account, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	SetCreditBalance(ctx context.Context, id, balance int64) error
	MarkPurchased(ctx context.Context, id int64) error
}
