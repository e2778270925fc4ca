package models

import "time"

// CreditTransaction is an immutable ledger entry. The sum of all entries of
// an account equals its credit balance.
type CreditTransaction struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"account_id"`
	Amount      int64      `json:"amount"`
	Type        CreditType `json:"type"`
	Description string     `json:"description"`
	PurchaseID  *int64     `json:"purchase_id,omitempty"`
	ReferralID  *int64     `json:"referral_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type CreditType string

const (
	CreditReferralReward CreditType = "referral_reward"
	CreditPurchaseReward CreditType = "purchase_reward"
	CreditDeduction      CreditType = "deduction"
	CreditBonus          CreditType = "bonus"
)

func (t CreditType) Valid() bool {
	switch t {
	case CreditReferralReward, CreditPurchaseReward, CreditDeduction, CreditBonus:
		return true
	}
	return false
}
