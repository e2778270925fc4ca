package models

import "time"

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralConverted ReferralStatus = "converted"
)

// Referral links one referrer to one referred account. A referred account
// has at most one referral.
type Referral struct {
	ID                int64          `json:"id"`
	ReferrerID        int64          `json:"referrer_id"`
	ReferredAccountID int64          `json:"referred_account_id"`
	Status            ReferralStatus `json:"status"`
	CreditsAwarded    bool           `json:"credits_awarded"`
	ConvertedAt       *time.Time     `json:"converted_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type ReferralCounts struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Converted int64 `json:"converted"`
}

// ReferredAccount is a referral joined with the public fields of the
// referred account.
type ReferredAccount struct {
	ReferralID      int64          `json:"id"`
	AccountID       int64          `json:"account_id"`
	Name            string         `json:"name"`
	Email           string         `json:"email"`
	HasMadePurchase bool           `json:"has_made_purchase"`
	Status          ReferralStatus `json:"status"`
	CreditsAwarded  bool           `json:"credits_awarded"`
	CreatedAt       time.Time      `json:"created_at"`
	ConvertedAt     *time.Time     `json:"converted_at,omitempty"`
}
