package models

import "time"

type Account struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	Name            string    `json:"name"`
	ReferralCode    string    `json:"referral_code"`
	ReferredBy      *int64    `json:"referred_by,omitempty"`
	CreditBalance   int64     `json:"credit_balance"`
	HasMadePurchase bool      `json:"has_made_purchase"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
