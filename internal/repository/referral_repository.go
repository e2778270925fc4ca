package repository

import (
	"context"

	"github.com/honeynil/ReferralCreditService/internal/models"
)

type ReferralRepository interface {
	Create(ctx context.Context, referral *models.Referral) error
	GetByReferredID(ctx context.Context, referredID int64) (*models.Referral, error)
	GetByReferredIDForUpdate(ctx context.Context, referredID int64) (*models.Referral, error)
	MarkConverted(ctx context.Context, referral *models.Referral) error
	CountByReferrer(ctx context.Context, referrerID int64) (models.ReferralCounts, error)
	ListByReferrer(ctx context.Context, referrerID int64, limit int) ([]models.ReferredAccount, error)
}
