package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Purchase struct {
	ID                      int64           `json:"id"`
	AccountID               int64           `json:"account_id"`
	ProductName             string          `json:"product_name"`
	Amount                  decimal.Decimal `json:"amount"`
	IsFirstPurchase         bool            `json:"is_first_purchase"`
	ReferralCreditProcessed bool            `json:"referral_credit_processed"`
	CreatedAt               time.Time       `json:"created_at"`
}
