package service

import (
	"context"
	"testing"

	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		digits int
		draw   int
		want   string
	}{
		{"letters only", "Alice", 3, 0, "ALICE100"},
		{"prefix capped at eight", "Christopher Robin", 3, 899, "CHRISTOP999"},
		{"non ascii dropped", "Zoë-Ann 2", 3, 23, "ZOANN123"},
		{"no letters", "李雷", 3, 400, "500"},
		{"wide suffix", "Bob", 6, 0, "BOB100000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := GenerateCode(tt.input, tt.digits, func(int) int { return tt.draw })
			assert.Equal(t, tt.want, code)
			assert.True(t, IsValidCode(code))
		})
	}
}

func TestGenerateCode_SuffixRange(t *testing.T) {
	var bounds []int
	GenerateCode("Ann", 3, func(n int) int { bounds = append(bounds, n); return 0 })
	GenerateCode("Ann", 6, func(n int) int { bounds = append(bounds, n); return 0 })
	assert.Equal(t, []int{900, 900000}, bounds)
}

func TestIsValidCode(t *testing.T) {
	assert.True(t, IsValidCode(" alice123 "))
	assert.True(t, IsValidCode("ABCDEFGH123456"))
	assert.False(t, IsValidCode(""))
	assert.False(t, IsValidCode("ALICE12"))
	assert.False(t, IsValidCode("ABCDEFGHI123"))
	assert.False(t, IsValidCode("AL-ICE123"))
}

func TestReferralRegistry_GenerateUniqueCode(t *testing.T) {
	ctx := context.Background()

	t.Run("retries collisions", func(t *testing.T) {
		f := newFixture()
		f.account(t, "Bob", "BOB100", nil)
		registry := f.registry.WithRepositories(f.store)
		registry.intN = sequence(0, 0, 5)

		code, err := registry.GenerateUniqueCode(ctx, "Bob")
		require.NoError(t, err)
		assert.Equal(t, "BOB105", code)
	})

	t.Run("widens suffix after repeated collisions", func(t *testing.T) {
		f := newFixture()
		f.account(t, "Bob", "BOB100", nil)
		registry := f.registry.WithRepositories(f.store)
		registry.intN = sequence(0)

		code, err := registry.GenerateUniqueCode(ctx, "Bob")
		require.NoError(t, err)
		assert.Equal(t, "BOB100000", code)
	})

	t.Run("gives up eventually", func(t *testing.T) {
		f := newFixture()
		f.account(t, "Bob", "BOB100", nil)
		f.account(t, "Bob", "BOB100000", nil)
		registry := f.registry.WithRepositories(f.store)
		registry.intN = sequence(0)

		_, err := registry.GenerateUniqueCode(ctx, "Bob")
		assert.ErrorIs(t, err, pkgerrors.ErrReferralCodeExhausted)
	})
}

func TestReferralRegistry_LookupAndReferrals(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	alice := f.account(t, "Alice", "ALICE123", nil)
	bob := f.account(t, "Bob", "BOB456", alice)

	found, err := f.registry.LookupByCode(ctx, "  alice123")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID)

	_, err = f.registry.LookupByCode(ctx, "NOBODY999")
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)

	_, err = f.registry.LookupByCode(ctx, "not a code")
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)

	referral, err := f.registry.ReferralOf(ctx, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, referral)
	assert.Equal(t, alice.ID, referral.ReferrerID)

	none, err := f.registry.ReferralOf(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = f.registry.CreateReferral(ctx, alice.ID, bob.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrDuplicateReferral)

	_, err = f.registry.CreateReferral(ctx, alice.ID, alice.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrSelfReferral)
}
