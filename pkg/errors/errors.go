package errors

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrReferralNotFound      = errors.New("referral not found")
	ErrNilAccount            = errors.New("account is nil")
	ErrNilPurchase           = errors.New("purchase is nil")
	ErrNilReferral           = errors.New("referral is nil")
	ErrNilCreditTransaction  = errors.New("credit transaction is nil")
	ErrInvalidCreditType     = errors.New("invalid credit transaction type")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrEmailExists           = errors.New("email already registered")
	ErrDuplicateReferral     = errors.New("account already has a referrer")
	ErrSelfReferral          = errors.New("account cannot refer itself")
	ErrReferralCodeTaken     = errors.New("referral code already taken")
	ErrReferralCodeExhausted = errors.New("could not generate a unique referral code")
	ErrTransactionConflict   = errors.New("transaction conflict, retry the request")
	ErrNegativeBalance       = errors.New("credit balance cannot become negative")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidCredentials    = fmt.Errorf("invalid credentials")
	ErrInvalidInput          = fmt.Errorf("invalid input")
	ErrInternal              = fmt.Errorf("internal error")
)
