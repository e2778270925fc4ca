package repository

import (
	"context"

	"github.com/honeynil/ReferralCreditService/internal/models"
)

type PurchaseRepository interface {
	Create(ctx context.Context, purchase *models.Purchase) error
	GetByID(ctx context.Context, id int64) (*models.Purchase, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Purchase, error)
	MarkReferralProcessed(ctx context.Context, id int64) error
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.Purchase, error)
}
