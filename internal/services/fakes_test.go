package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/kafka"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/redis"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	"github.com/honeynil/ReferralCreditService/internal/repository/memory"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	errConflict       = fmt.Errorf("%w: could not obtain lock", pkgerrors.ErrTransactionConflict)
	errMissingAccount = fmt.Errorf("lock account: %w", pkgerrors.ErrAccountNotFound)
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
	gets   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.values[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value.(string)
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *fakeCache) Close() error { return nil }

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

type sentMessage struct {
	topic string
	key   int64
	event kafka.Event
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (p *fakeProducer) Send(_ context.Context, topic string, key int64, value []byte) error {
	var event kafka.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{topic: topic, key: key, event: event})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) ofType(eventType string) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sentMessage
	for _, m := range p.sent {
		if m.event.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

// sequence returns an intN that yields values in order, then repeats the last.
func sequence(values ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return v
	}
}

type fixture struct {
	store    *memory.MemoryStore
	registry *ReferralRegistry
	engine   *SettlementEngine
	view     *LedgerView
	cache    *fakeCache
	producer *fakeProducer
}

func newFixture() *fixture {
	store := memory.NewMemoryStore()
	cache := newFakeCache()
	producer := &fakeProducer{}
	registry := NewReferralRegistry(store)
	return &fixture{
		store:    store,
		registry: registry,
		engine: NewSettlementEngine(store, SettlementConfig{
			ReferralCredit: 2,
			PurchaseCredit: 2,
			MaxRetries:     3,
			RetryBackoff:   time.Millisecond,
		}, producer, cache),
		view:     NewLedgerView(store, registry, cache),
		cache:    cache,
		producer: producer,
	}
}

func (f *fixture) account(t *testing.T, name, code string, referrer *models.Account) *models.Account {
	t.Helper()
	ctx := context.Background()
	a := &models.Account{
		Email:        code + "@example.com",
		PasswordHash: "hash",
		Name:         name,
		ReferralCode: code,
	}
	if referrer != nil {
		a.ReferredBy = &referrer.ID
	}
	require.NoError(t, f.store.Accounts().Create(ctx, a))
	if referrer != nil {
		_, err := f.registry.CreateReferral(ctx, referrer.ID, a.ID)
		require.NoError(t, err)
	}
	return a
}

func (f *fixture) purchase(t *testing.T, accountID int64, first bool) *models.Purchase {
	t.Helper()
	p := &models.Purchase{
		AccountID:       accountID,
		ProductName:     "Notebook",
		Amount:          mustDecimal("19.99"),
		IsFirstPurchase: first,
	}
	require.NoError(t, f.store.Purchases().Create(context.Background(), p))
	return p
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	a, err := f.store.Accounts().GetByID(context.Background(), id)
	require.NoError(t, err)
	return a.CreditBalance
}

func (f *fixture) ledgerSum(t *testing.T, id int64) int64 {
	t.Helper()
	sum, err := f.store.Ledger().SumByAccount(context.Background(), id)
	require.NoError(t, err)
	return sum
}

// hookedStore lets a test intercept the repositories handed to transactions.
type hookedStore struct {
	repository.Store
	conflicts int
	calls     int
	wrap      func(repository.Repositories) repository.Repositories
}

func (s *hookedStore) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) error {
	s.calls++
	if s.calls <= s.conflicts {
		return errConflict
	}
	return s.Store.WithinTx(ctx, func(tx repository.Repositories) error {
		if s.wrap != nil {
			tx = s.wrap(tx)
		}
		return fn(tx)
	})
}

type missingAccountRepos struct {
	repository.Repositories
	missing int64
}

func (r missingAccountRepos) Accounts() repository.AccountRepository {
	return missingAccounts{AccountRepository: r.Repositories.Accounts(), missing: r.missing}
}

type missingAccounts struct {
	repository.AccountRepository
	missing int64
}

func (a missingAccounts) GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	if id == a.missing {
		return nil, errMissingAccount
	}
	return a.AccountRepository.GetByIDForUpdate(ctx, id)
}
