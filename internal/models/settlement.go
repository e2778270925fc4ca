package models

const (
	ReasonAlreadyProcessed = "already processed"
	ReasonNotFirstPurchase = "not first purchase"
	ReasonNoReferral       = "no referral"
	ReasonAlreadyAwarded   = "already awarded"
	ReasonCreditsAwarded   = "credits awarded"
)

// SettlementResult is the outcome of settling one purchase. Short-circuits
// such as an already processed purchase are reported here, not as errors.
type SettlementResult struct {
	PurchaseID     int64  `json:"purchase_id"`
	Success        bool   `json:"success"`
	Reason         string `json:"reason"`
	ReferrerID     int64  `json:"referrer_id,omitempty"`
	ReferrerCredit int64  `json:"referrer_credit,omitempty"`
	BuyerCredit    int64  `json:"buyer_credit,omitempty"`
}

// CreditsMoved reports whether the settlement changed any balance.
func (r *SettlementResult) CreditsMoved() bool {
	return r != nil && r.Reason == ReasonCreditsAwarded
}
