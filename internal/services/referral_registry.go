package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	maxCodePrefix = 8
	// after this many collisions the numeric suffix widens to six digits
	codeWidenAfter  = 5
	maxCodeAttempts = 10
)

var validCode = regexp.MustCompile(`^[A-Z]{0,8}[0-9]{3,6}$`)

// NormalizeCode trims and upper-cases a user supplied referral code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCode reports whether code has the shape of a generated referral code.
func IsValidCode(code string) bool {
	return validCode.MatchString(NormalizeCode(code))
}

// GenerateCode builds a code from the ASCII letters of name (at most eight,
// upper-cased) followed by a numeric suffix of the given width.
func GenerateCode(name string, digits int, intN func(n int) int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
			if b.Len() == maxCodePrefix {
				break
			}
		}
	}

	low := 100
	if digits >= 6 {
		low = 100000
	}
	// [low, 10*low)
	suffix := low + intN(9*low)
	return b.String() + strconv.Itoa(suffix)
}

// ReferralRegistry maps referral codes to referrers and referred accounts to
// their referral record.
type ReferralRegistry struct {
	repos repository.Repositories
	intN  func(n int) int
}

func NewReferralRegistry(repos repository.Repositories) *ReferralRegistry {
	return &ReferralRegistry{repos: repos, intN: rand.IntN}
}

// WithRepositories returns a registry bound to repos, typically the
// repositories of an open transaction.
func (r *ReferralRegistry) WithRepositories(repos repository.Repositories) *ReferralRegistry {
	return &ReferralRegistry{repos: repos, intN: r.intN}
}

// GenerateUniqueCode draws codes for name until one is unused. It gives up
// with ErrReferralCodeExhausted after a fixed number of attempts.
func (r *ReferralRegistry) GenerateUniqueCode(ctx context.Context, name string) (string, error) {
	tracer := otel.Tracer("referral-registry")
	ctx, span := tracer.Start(ctx, "GenerateUniqueCode")
	defer span.End()

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		digits := 3
		if attempt > codeWidenAfter {
			digits = 6
		}
		code := GenerateCode(name, digits, r.intN)

		exists, err := r.repos.Accounts().ReferralCodeExists(ctx, code)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "code lookup failed")
			return "", fmt.Errorf("failed to check referral code: %w", err)
		}
		if !exists {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return code, nil
		}
		slog.Debug("referral code collision", "code", code, "attempt", attempt)
	}

	span.SetStatus(codes.Error, "referral codes exhausted")
	slog.Error("could not generate a unique referral code", "name", name, "attempts", maxCodeAttempts)
	return "", pkgerrors.ErrReferralCodeExhausted
}

// LookupByCode resolves a referral code to its owner. Unknown or malformed
// codes yield ErrAccountNotFound.
func (r *ReferralRegistry) LookupByCode(ctx context.Context, code string) (*models.Account, error) {
	code = NormalizeCode(code)
	if !validCode.MatchString(code) {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return r.repos.Accounts().GetByReferralCode(ctx, code)
}

// CreateReferral records that referrerID referred referredID.
func (r *ReferralRegistry) CreateReferral(ctx context.Context, referrerID, referredID int64) (*models.Referral, error) {
	if referrerID == referredID {
		return nil, pkgerrors.ErrSelfReferral
	}
	referral := &models.Referral{
		ReferrerID:        referrerID,
		ReferredAccountID: referredID,
		Status:            models.ReferralPending,
	}
	if err := r.repos.Referrals().Create(ctx, referral); err != nil {
		return nil, err
	}
	return referral, nil
}

// ReferralOf returns the referral of a referred account, or nil if the
// account joined without one.
func (r *ReferralRegistry) ReferralOf(ctx context.Context, referredID int64) (*models.Referral, error) {
	ref, err := r.repos.Referrals().GetByReferredID(ctx, referredID)
	if stderrors.Is(err, pkgerrors.ErrReferralNotFound) {
		return nil, nil
	}
	return ref, err
}
