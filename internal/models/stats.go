package models

import "time"

type Dashboard struct {
	Account            AccountSummary      `json:"user"`
	Stats              DashboardStats      `json:"stats"`
	ReferredUsers      []ReferredAccount   `json:"referred_users"`
	RecentTransactions []CreditTransaction `json:"recent_transactions"`
}

type AccountSummary struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	ReferralCode  string `json:"referral_code"`
	CreditBalance int64  `json:"total_credits"`
}

type DashboardStats struct {
	TotalReferredUsers int64  `json:"total_referred_users"`
	ConvertedUsers     int64  `json:"converted_users"`
	TotalCreditsEarned int64  `json:"total_credits_earned"`
	ConversionRate     string `json:"conversion_rate"`
}

type ReferralStats struct {
	Account              AccountSummary    `json:"user"`
	TotalReferrals       int64             `json:"total_referrals"`
	PendingReferrals     int64             `json:"pending_referrals"`
	ConvertedReferrals   int64             `json:"converted_referrals"`
	ConversionRate       string            `json:"conversion_rate"`
	CreditsFromReferrals int64             `json:"credits_from_referrals"`
	RecentReferrals      []ReferredAccount `json:"recent_referrals"`
}

type CreditHistory struct {
	CreditBalance int64               `json:"credit_balance"`
	LedgerTotal   int64               `json:"ledger_total"`
	TotalEarned   int64               `json:"total_earned"`
	Consistent    bool                `json:"consistent"`
	Limit         int                 `json:"limit"`
	Offset        int                 `json:"offset"`
	Transactions  []CreditTransaction `json:"transactions"`
}

type CodeValidation struct {
	Valid        bool   `json:"valid"`
	ReferrerName string `json:"referrer_name,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// PublicReferralDetails is safe to show to unauthenticated callers: it never
// carries balances or email.
type PublicReferralDetails struct {
	ReferrerName       string    `json:"referrer_name"`
	ReferralCode       string    `json:"referral_code"`
	MemberSince        time.Time `json:"member_since"`
	TotalReferrals     int64     `json:"total_referrals"`
	ConvertedReferrals int64     `json:"converted_referrals"`
	SuccessRate        string    `json:"success_rate"`
}
