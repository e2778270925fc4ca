package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/auth"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/kafka"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/redis"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	minNameLength     = 2
	maxNameLength     = 50
	// a unique index race on the referral code restarts registration
	registerAttempts = 3
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type RegisterInput struct {
	Email        string
	Password     string
	Name         string
	ReferralCode string
}

type AuthResult struct {
	Account *models.Account `json:"user"`
	Token   string          `json:"token"`
}

type AccountService struct {
	store     repository.Store
	registry  *ReferralRegistry
	cache     redis.RedisClient
	producer  kafka.KafkaProducer
	jwtSecret string
	jwtTTL    time.Duration
}

// NewAccountService builds the service. cache and producer are optional.
func NewAccountService(
	store repository.Store,
	registry *ReferralRegistry,
	cache redis.RedisClient,
	producer kafka.KafkaProducer,
	jwtSecret string,
	jwtTTL time.Duration,
) *AccountService {
	return &AccountService{
		store:     store,
		registry:  registry,
		cache:     cache,
		producer:  producer,
		jwtSecret: jwtSecret,
		jwtTTL:    jwtTTL,
	}
}

// Register creates an account and, when the supplied referral code belongs
// to an existing account, its pending referral. Unknown codes are ignored.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	email := strings.ToLower(strings.TrimSpace(in.Email))
	name := strings.TrimSpace(in.Name)
	if err := validateRegistration(email, in.Password, name); err != nil {
		span.SetStatus(codes.Error, "invalid registration")
		return nil, err
	}

	existing, err := s.store.Accounts().GetByEmail(ctx, email)
	if existing != nil {
		span.SetStatus(codes.Error, "email already registered")
		slog.Warn("email already registered", "existing_id", existing.ID)
		return nil, pkgerrors.ErrEmailExists
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account check failed")
		slog.Error("failed to check account existence", "error", err)
		return nil, fmt.Errorf("%w: failed to check account existence", pkgerrors.ErrInternal)
	}

	var referrer *models.Account
	if code := NormalizeCode(in.ReferralCode); code != "" {
		referrer, err = s.registry.LookupByCode(ctx, code)
		if stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
			slog.Info("ignoring unknown referral code", "code", code)
			referrer = nil
		} else if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to resolve referral code: %w", err)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "password hashing failed")
		slog.Error("failed to hash password", "error", err)
		return nil, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	account := &models.Account{Email: email, PasswordHash: string(hash), Name: name}
	if referrer != nil {
		account.ReferredBy = &referrer.ID
	}

	for attempt := 1; ; attempt++ {
		err = s.store.WithinTx(ctx, func(tx repository.Repositories) error {
			registry := s.registry.WithRepositories(tx)
			code, err := registry.GenerateUniqueCode(ctx, name)
			if err != nil {
				return err
			}
			account.ReferralCode = code
			if err := tx.Accounts().Create(ctx, account); err != nil {
				return err
			}
			if referrer != nil {
				if _, err := registry.CreateReferral(ctx, referrer.ID, account.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if !stderrors.Is(err, pkgerrors.ErrReferralCodeTaken) || attempt == registerAttempts {
			break
		}
		slog.Warn("referral code taken concurrently, retrying registration", "attempt", attempt)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account creation failed")
		slog.Error("failed to register account", "error", err)
		if stderrors.Is(err, pkgerrors.ErrReferralCodeTaken) {
			return nil, pkgerrors.ErrReferralCodeExhausted
		}
		return nil, err
	}

	if referrer != nil && s.cache != nil {
		if err := s.cache.Del(ctx, publicDetailsKey(referrer.ReferralCode)); err != nil {
			slog.Warn("failed to invalidate referral details cache", "code", referrer.ReferralCode, "error", err)
		}
	}

	if s.producer != nil {
		err := kafka.Publish(ctx, s.producer, kafka.TopicUsers, account.ID, kafka.EventUserRegistered, kafka.UserRegistered{
			AccountID:    account.ID,
			Email:        account.Email,
			ReferralCode: account.ReferralCode,
			ReferredBy:   account.ReferredBy,
		})
		if err != nil {
			slog.Error("failed to publish user registration", "account_id", account.ID, "error", err)
		}
	}

	token, err := s.issueToken(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("account registered",
		"account_id", account.ID,
		"referral_code", account.ReferralCode,
		"referred", referrer != nil)
	return &AuthResult{Account: account, Token: token}, nil
}

func (s *AccountService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	account, err := s.store.Accounts().GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		slog.Warn("failed to login", "error", err)
		return nil, pkgerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		slog.Warn("invalid password", "account_id", account.ID)
		return nil, pkgerrors.ErrInvalidCredentials
	}

	token, err := s.issueToken(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("account logged in", "account_id", account.ID)
	return &AuthResult{Account: account, Token: token}, nil
}

// Logout revokes the active session of the account.
func (s *AccountService) Logout(ctx context.Context, accountID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Del(ctx, auth.TokenKey(accountID)); err != nil {
		slog.Error("failed to revoke token", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	slog.Info("account logged out", "account_id", accountID)
	return nil
}

func (s *AccountService) Profile(ctx context.Context, accountID int64) (*models.Account, error) {
	return s.store.Accounts().GetByID(ctx, accountID)
}

func (s *AccountService) issueToken(ctx context.Context, accountID int64) (string, error) {
	token, err := auth.GenerateJWT(s.jwtSecret, accountID, s.jwtTTL)
	if err != nil {
		slog.Error("failed to generate JWT", "error", err)
		return "", fmt.Errorf("%w: failed to generate token", pkgerrors.ErrInternal)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, auth.TokenKey(accountID), token, s.jwtTTL); err != nil {
			slog.Error("failed to cache JWT", "account_id", accountID, "error", err)
			return "", fmt.Errorf("%w: failed to store session", pkgerrors.ErrInternal)
		}
	}
	return token, nil
}

func validateRegistration(email, password, name string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: valid email is required", pkgerrors.ErrInvalidInput)
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", pkgerrors.ErrInvalidInput, minPasswordLength)
	}
	if n := utf8.RuneCountInString(name); n < minNameLength || n > maxNameLength {
		return fmt.Errorf("%w: name must be between %d and %d characters", pkgerrors.ErrInvalidInput, minNameLength, maxNameLength)
	}
	return nil
}
