// Package memory is an in-process Store used by tests and local runs without
// Postgres. Transactions are serialised and applied copy-on-commit.
package memory

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
)

type state struct {
	accounts  map[int64]models.Account
	referrals map[int64]models.Referral
	purchases map[int64]models.Purchase
	ledger    []models.CreditTransaction

	nextAccountID  int64
	nextReferralID int64
	nextPurchaseID int64
	nextLedgerID   int64
}

func newState() *state {
	return &state{
		accounts:  make(map[int64]models.Account),
		referrals: make(map[int64]models.Referral),
		purchases: make(map[int64]models.Purchase),
	}
}

func (s *state) clone() *state {
	c := *s
	c.accounts = maps.Clone(s.accounts)
	c.referrals = maps.Clone(s.referrals)
	c.purchases = maps.Clone(s.purchases)
	c.ledger = slices.Clone(s.ledger)
	return &c
}

type MemoryStore struct {
	*repos
	// txMu serialises transactions; mu guards the current state pointer.
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{state: newState(), now: time.Now}
	s.repos = &repos{store: s}
	return s
}

// WithinTx runs fn against a private copy of the data and publishes the copy
// only when fn succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&repos{store: s, tx: working}); err != nil {
		slog.Debug("memory transaction rolled back", "error", err)
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

// repos runs directly on tx when bound to a transaction, otherwise each call
// is applied atomically to the committed state.
type repos struct {
	store *MemoryStore
	tx    *state
}

func (r *repos) Accounts() repository.AccountRepository   { return accountRepo{r} }
func (r *repos) Referrals() repository.ReferralRepository { return referralRepo{r} }
func (r *repos) Purchases() repository.PurchaseRepository { return purchaseRepo{r} }
func (r *repos) Ledger() repository.LedgerRepository      { return ledgerRepo{r} }

func (r *repos) read(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return fn(r.store.state)
}

func (r *repos) write(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.txMu.Lock()
	defer r.store.txMu.Unlock()
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.state)
}

type accountRepo struct{ *repos }

func (r accountRepo) Create(ctx context.Context, account *models.Account) error {
	if account == nil {
		return pkgerrors.ErrNilAccount
	}
	if account.Email == "" || account.PasswordHash == "" || account.Name == "" || account.ReferralCode == "" {
		return fmt.Errorf("%w: email, password hash, name and referral code are required", pkgerrors.ErrInvalidInput)
	}
	return r.write(ctx, func(st *state) error {
		email := strings.ToLower(account.Email)
		for _, a := range st.accounts {
			if a.Email == email {
				return pkgerrors.ErrEmailExists
			}
			if a.ReferralCode == account.ReferralCode {
				return pkgerrors.ErrReferralCodeTaken
			}
		}
		if account.ReferredBy != nil {
			if _, ok := st.accounts[*account.ReferredBy]; !ok {
				return fmt.Errorf("referrer %d: %w", *account.ReferredBy, pkgerrors.ErrAccountNotFound)
			}
		}
		st.nextAccountID++
		now := r.store.now()
		account.ID = st.nextAccountID
		account.Email = email
		account.CreditBalance = 0
		account.HasMadePurchase = false
		account.CreatedAt = now
		account.UpdatedAt = now
		st.accounts[account.ID] = copyAccount(*account)
		return nil
	})
}

func (r accountRepo) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return r.find(ctx, func(a models.Account) bool { return a.ID == id })
}

// GetByIDForUpdate needs no row lock: transactions are already serialised.
func (r accountRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	return r.GetByID(ctx, id)
}

func (r accountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email cannot be empty", pkgerrors.ErrInvalidInput)
	}
	return r.find(ctx, func(a models.Account) bool { return a.Email == email })
}

func (r accountRepo) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return r.find(ctx, func(a models.Account) bool { return a.ReferralCode == code })
}

func (r accountRepo) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := r.GetByReferralCode(ctx, code)
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, pkgerrors.ErrAccountNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (r accountRepo) SetCreditBalance(ctx context.Context, id, balance int64) error {
	if balance < 0 {
		return pkgerrors.ErrNegativeBalance
	}
	return r.write(ctx, func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return pkgerrors.ErrAccountNotFound
		}
		a.CreditBalance = balance
		a.UpdatedAt = r.store.now()
		st.accounts[id] = a
		return nil
	})
}

func (r accountRepo) MarkPurchased(ctx context.Context, id int64) error {
	return r.write(ctx, func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return pkgerrors.ErrAccountNotFound
		}
		a.HasMadePurchase = true
		a.UpdatedAt = r.store.now()
		st.accounts[id] = a
		return nil
	})
}

func (r accountRepo) find(ctx context.Context, match func(models.Account) bool) (*models.Account, error) {
	var found *models.Account
	err := r.read(ctx, func(st *state) error {
		for _, a := range st.accounts {
			if match(a) {
				c := copyAccount(a)
				found = &c
				return nil
			}
		}
		return pkgerrors.ErrAccountNotFound
	})
	return found, err
}

type referralRepo struct{ *repos }

func (r referralRepo) Create(ctx context.Context, referral *models.Referral) error {
	if referral == nil {
		return pkgerrors.ErrNilReferral
	}
	if referral.ReferrerID == referral.ReferredAccountID {
		return pkgerrors.ErrSelfReferral
	}
	return r.write(ctx, func(st *state) error {
		if _, ok := st.accounts[referral.ReferrerID]; !ok {
			return fmt.Errorf("referrer %d: %w", referral.ReferrerID, pkgerrors.ErrAccountNotFound)
		}
		if _, ok := st.accounts[referral.ReferredAccountID]; !ok {
			return fmt.Errorf("referred account %d: %w", referral.ReferredAccountID, pkgerrors.ErrAccountNotFound)
		}
		for _, existing := range st.referrals {
			if existing.ReferredAccountID == referral.ReferredAccountID {
				return pkgerrors.ErrDuplicateReferral
			}
		}
		st.nextReferralID++
		referral.ID = st.nextReferralID
		referral.Status = models.ReferralPending
		referral.CreditsAwarded = false
		referral.ConvertedAt = nil
		referral.CreatedAt = r.store.now()
		st.referrals[referral.ID] = *referral
		return nil
	})
}

func (r referralRepo) GetByReferredID(ctx context.Context, referredID int64) (*models.Referral, error) {
	var found *models.Referral
	err := r.read(ctx, func(st *state) error {
		for _, ref := range st.referrals {
			if ref.ReferredAccountID == referredID {
				c := copyReferral(ref)
				found = &c
				return nil
			}
		}
		return pkgerrors.ErrReferralNotFound
	})
	return found, err
}

func (r referralRepo) GetByReferredIDForUpdate(ctx context.Context, referredID int64) (*models.Referral, error) {
	return r.GetByReferredID(ctx, referredID)
}

func (r referralRepo) MarkConverted(ctx context.Context, referral *models.Referral) error {
	if referral == nil {
		return pkgerrors.ErrNilReferral
	}
	return r.write(ctx, func(st *state) error {
		stored, ok := st.referrals[referral.ID]
		if !ok || stored.CreditsAwarded {
			return fmt.Errorf("referral %d is missing or already converted: %w", referral.ID, pkgerrors.ErrReferralNotFound)
		}
		now := r.store.now()
		stored.Status = models.ReferralConverted
		stored.CreditsAwarded = true
		stored.ConvertedAt = &now
		st.referrals[referral.ID] = stored
		*referral = copyReferral(stored)
		return nil
	})
}

func (r referralRepo) CountByReferrer(ctx context.Context, referrerID int64) (models.ReferralCounts, error) {
	var counts models.ReferralCounts
	err := r.read(ctx, func(st *state) error {
		for _, ref := range st.referrals {
			if ref.ReferrerID != referrerID {
				continue
			}
			counts.Total++
			switch ref.Status {
			case models.ReferralPending:
				counts.Pending++
			case models.ReferralConverted:
				counts.Converted++
			}
		}
		return nil
	})
	return counts, err
}

func (r referralRepo) ListByReferrer(ctx context.Context, referrerID int64, limit int) ([]models.ReferredAccount, error) {
	var out []models.ReferredAccount
	err := r.read(ctx, func(st *state) error {
		refs := make([]models.Referral, 0)
		for _, ref := range st.referrals {
			if ref.ReferrerID == referrerID {
				refs = append(refs, ref)
			}
		}
		sort.Slice(refs, func(i, j int) bool {
			if !refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
				return refs[i].CreatedAt.After(refs[j].CreatedAt)
			}
			return refs[i].ID > refs[j].ID
		})
		if limit >= 0 && len(refs) > limit {
			refs = refs[:limit]
		}
		out = make([]models.ReferredAccount, 0, len(refs))
		for _, ref := range refs {
			a := st.accounts[ref.ReferredAccountID]
			ref = copyReferral(ref)
			out = append(out, models.ReferredAccount{
				ReferralID:      ref.ID,
				AccountID:       a.ID,
				Name:            a.Name,
				Email:           a.Email,
				HasMadePurchase: a.HasMadePurchase,
				Status:          ref.Status,
				CreditsAwarded:  ref.CreditsAwarded,
				CreatedAt:       ref.CreatedAt,
				ConvertedAt:     ref.ConvertedAt,
			})
		}
		return nil
	})
	return out, err
}

type purchaseRepo struct{ *repos }

func (r purchaseRepo) Create(ctx context.Context, purchase *models.Purchase) error {
	if purchase == nil {
		return pkgerrors.ErrNilPurchase
	}
	if !purchase.Amount.IsPositive() {
		return fmt.Errorf("%w: purchase amount must be positive", pkgerrors.ErrInvalidAmount)
	}
	if strings.TrimSpace(purchase.ProductName) == "" {
		return fmt.Errorf("%w: product name is required", pkgerrors.ErrInvalidInput)
	}
	return r.write(ctx, func(st *state) error {
		if _, ok := st.accounts[purchase.AccountID]; !ok {
			return pkgerrors.ErrAccountNotFound
		}
		st.nextPurchaseID++
		purchase.ID = st.nextPurchaseID
		purchase.ReferralCreditProcessed = false
		purchase.CreatedAt = r.store.now()
		st.purchases[purchase.ID] = *purchase
		return nil
	})
}

func (r purchaseRepo) GetByID(ctx context.Context, id int64) (*models.Purchase, error) {
	var found *models.Purchase
	err := r.read(ctx, func(st *state) error {
		p, ok := st.purchases[id]
		if !ok {
			return pkgerrors.ErrPurchaseNotFound
		}
		found = &p
		return nil
	})
	return found, err
}

func (r purchaseRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.Purchase, error) {
	return r.GetByID(ctx, id)
}

func (r purchaseRepo) MarkReferralProcessed(ctx context.Context, id int64) error {
	return r.write(ctx, func(st *state) error {
		p, ok := st.purchases[id]
		if !ok {
			return pkgerrors.ErrPurchaseNotFound
		}
		p.ReferralCreditProcessed = true
		st.purchases[id] = p
		return nil
	})
}

func (r purchaseRepo) ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.Purchase, error) {
	var out []models.Purchase
	err := r.read(ctx, func(st *state) error {
		out = make([]models.Purchase, 0)
		for _, p := range st.purchases {
			if p.AccountID == accountID {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
		if limit >= 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

type ledgerRepo struct{ *repos }

func (r ledgerRepo) Append(ctx context.Context, entry *models.CreditTransaction) error {
	if entry == nil {
		return pkgerrors.ErrNilCreditTransaction
	}
	if !entry.Type.Valid() {
		return pkgerrors.ErrInvalidCreditType
	}
	if entry.Amount == 0 {
		return fmt.Errorf("%w: credit amount cannot be zero", pkgerrors.ErrInvalidAmount)
	}
	return r.write(ctx, func(st *state) error {
		if _, ok := st.accounts[entry.AccountID]; !ok {
			return pkgerrors.ErrAccountNotFound
		}
		st.nextLedgerID++
		entry.ID = st.nextLedgerID
		entry.CreatedAt = r.store.now()
		st.ledger = append(st.ledger, copyCreditTransaction(*entry))
		return nil
	})
}

func (r ledgerRepo) ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.CreditTransaction, error) {
	var out []models.CreditTransaction
	err := r.read(ctx, func(st *state) error {
		out = make([]models.CreditTransaction, 0)
		// ledger is in insertion order, walk it newest first
		for i := len(st.ledger) - 1; i >= 0; i-- {
			if st.ledger[i].AccountID == accountID {
				out = append(out, copyCreditTransaction(st.ledger[i]))
			}
		}
		if offset >= len(out) {
			out = out[:0]
			return nil
		}
		out = out[offset:]
		if limit >= 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r ledgerRepo) SumByAccount(ctx context.Context, accountID int64) (int64, error) {
	return r.sum(ctx, func(e models.CreditTransaction) bool { return e.AccountID == accountID })
}

func (r ledgerRepo) SumByAccountAndType(ctx context.Context, accountID int64, creditType models.CreditType) (int64, error) {
	if !creditType.Valid() {
		return 0, pkgerrors.ErrInvalidCreditType
	}
	return r.sum(ctx, func(e models.CreditTransaction) bool {
		return e.AccountID == accountID && e.Type == creditType
	})
}

func (r ledgerRepo) SumEarnedByAccount(ctx context.Context, accountID int64) (int64, error) {
	return r.sum(ctx, func(e models.CreditTransaction) bool { return e.AccountID == accountID && e.Amount > 0 })
}

func (r ledgerRepo) sum(ctx context.Context, match func(models.CreditTransaction) bool) (int64, error) {
	var total int64
	err := r.read(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if match(e) {
				total += e.Amount
			}
		}
		return nil
	})
	return total, err
}

func copyAccount(a models.Account) models.Account {
	if a.ReferredBy != nil {
		v := *a.ReferredBy
		a.ReferredBy = &v
	}
	return a
}

func copyReferral(r models.Referral) models.Referral {
	if r.ConvertedAt != nil {
		v := *r.ConvertedAt
		r.ConvertedAt = &v
	}
	return r
}

func copyCreditTransaction(e models.CreditTransaction) models.CreditTransaction {
	if e.PurchaseID != nil {
		v := *e.PurchaseID
		e.PurchaseID = &v
	}
	if e.ReferralID != nil {
		v := *e.ReferralID
		e.ReferralID = &v
	}
	return e
}

var _ repository.Store = (*MemoryStore)(nil)
