package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/auth"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/kafka"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "secret"

func newAccountService(f *fixture) *AccountService {
	return NewAccountService(f.store, f.registry, f.cache, f.producer, testSecret, time.Hour)
}

func TestAccountService_Register(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	service := newAccountService(f)

	t.Run("without referral code", func(t *testing.T) {
		res, err := service.Register(ctx, RegisterInput{Email: " Alice@Example.com ", Password: "secret1", Name: " Alice "})
		require.NoError(t, err)

		assert.Equal(t, "alice@example.com", res.Account.Email)
		assert.Equal(t, "Alice", res.Account.Name)
		assert.Regexp(t, `^ALICE[0-9]{3}$`, res.Account.ReferralCode)
		assert.Nil(t, res.Account.ReferredBy)
		assert.NotEqual(t, "secret1", res.Account.PasswordHash)

		claims, err := auth.ValidateJWT(testSecret, res.Token)
		require.NoError(t, err)
		assert.Equal(t, res.Account.ID, claims.UserID)
		assert.True(t, f.cache.has(auth.TokenKey(res.Account.ID)))

		events := f.producer.ofType(kafka.EventUserRegistered)
		require.Len(t, events, 1)
		assert.Equal(t, kafka.TopicUsers, events[0].topic)
	})

	t.Run("with referral code", func(t *testing.T) {
		alice, err := f.store.Accounts().GetByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		require.NoError(t, f.cache.Set(ctx, publicDetailsKey(alice.ReferralCode), "{}", time.Minute))

		res, err := service.Register(ctx, RegisterInput{
			Email:        "bob@example.com",
			Password:     "secret2",
			Name:         "Bob",
			ReferralCode: " " + alice.ReferralCode,
		})
		require.NoError(t, err)
		require.NotNil(t, res.Account.ReferredBy)
		assert.Equal(t, alice.ID, *res.Account.ReferredBy)

		referral, err := f.registry.ReferralOf(ctx, res.Account.ID)
		require.NoError(t, err)
		require.NotNil(t, referral)
		assert.Equal(t, alice.ID, referral.ReferrerID)
		assert.False(t, f.cache.has(publicDetailsKey(alice.ReferralCode)), "referrer details are served stale")

		var payload kafka.UserRegistered
		events := f.producer.ofType(kafka.EventUserRegistered)
		require.NoError(t, json.Unmarshal(events[len(events)-1].event.Payload, &payload))
		assert.Equal(t, alice.ID, *payload.ReferredBy)
	})

	t.Run("unknown referral code is ignored", func(t *testing.T) {
		res, err := service.Register(ctx, RegisterInput{Email: "carol@example.com", Password: "secret3", Name: "Carol", ReferralCode: "NOBODY000"})
		require.NoError(t, err)
		assert.Nil(t, res.Account.ReferredBy)

		referral, err := f.registry.ReferralOf(ctx, res.Account.ID)
		require.NoError(t, err)
		assert.Nil(t, referral)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := service.Register(ctx, RegisterInput{Email: "ALICE@example.com", Password: "secret1", Name: "Alice"})
		assert.ErrorIs(t, err, pkgerrors.ErrEmailExists)
	})

	t.Run("invalid input", func(t *testing.T) {
		cases := []RegisterInput{
			{Email: "not-an-email", Password: "secret1", Name: "Dave"},
			{Email: "dave@example.com", Password: "123", Name: "Dave"},
			{Email: "dave@example.com", Password: "secret1", Name: "D"},
			{Email: "dave@example.com", Password: "secret1", Name: strings.Repeat("a", 51)},
		}
		for _, in := range cases {
			_, err := service.Register(ctx, in)
			assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		}
	})
}

type blindCodeRepos struct {
	repository.Repositories
}

func (r blindCodeRepos) Accounts() repository.AccountRepository {
	return blindCodeAccounts{r.Repositories.Accounts()}
}

// blindCodeAccounts never sees existing codes, like a transaction racing a
// concurrent registration that committed the same code.
type blindCodeAccounts struct {
	repository.AccountRepository
}

func (blindCodeAccounts) ReferralCodeExists(context.Context, string) (bool, error) {
	return false, nil
}

func TestAccountService_RegisterRetriesCodeRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.account(t, "Taken", "ERIN100", nil)

	store := &hookedStore{
		Store: f.store,
		wrap: func(tx repository.Repositories) repository.Repositories {
			return blindCodeRepos{tx}
		},
	}
	f.registry.intN = sequence(0, 1)
	service := NewAccountService(store, f.registry, nil, nil, testSecret, time.Hour)

	res, err := service.Register(ctx, RegisterInput{Email: "erin@example.com", Password: "secret1", Name: "Erin"})
	require.NoError(t, err)
	assert.Equal(t, "ERIN101", res.Account.ReferralCode)
	assert.Equal(t, 2, store.calls)

	t.Run("gives up after repeated races", func(t *testing.T) {
		store.calls = 0
		f.registry.intN = sequence(0)
		_, err := service.Register(ctx, RegisterInput{Email: "erin2@example.com", Password: "secret1", Name: "Erin"})
		assert.ErrorIs(t, err, pkgerrors.ErrReferralCodeExhausted)
		assert.Equal(t, registerAttempts, store.calls)
	})
}

func TestAccountService_Login(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	service := newAccountService(f)

	registered, err := service.Register(ctx, RegisterInput{Email: "alice@example.com", Password: "secret1", Name: "Alice"})
	require.NoError(t, err)

	t.Run("successful login", func(t *testing.T) {
		res, err := service.Login(ctx, "alice@example.com", "secret1")
		require.NoError(t, err)
		assert.Equal(t, registered.Account.ID, res.Account.ID)
		assert.NotEmpty(t, res.Token)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := service.Login(ctx, "alice@example.com", "wrongpass")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := service.Login(ctx, "nobody@example.com", "secret1")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})

	t.Run("logout revokes session", func(t *testing.T) {
		require.NoError(t, service.Logout(ctx, registered.Account.ID))
		assert.False(t, f.cache.has(auth.TokenKey(registered.Account.ID)))
	})

	t.Run("profile", func(t *testing.T) {
		account, err := service.Profile(ctx, registered.Account.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", account.Name)

		_, err = service.Profile(ctx, 999)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
	})
}
