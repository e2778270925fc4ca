package repository

import "context"

// Repositories groups the repositories bound to one connection or one
// transaction.
type Repositories interface {
	Accounts() AccountRepository
	Referrals() ReferralRepository
	Purchases() PurchaseRepository
	Ledger() LedgerRepository
}

// Store runs fn inside a single atomic transaction. If fn returns an error
// every write made through tx is rolled back, otherwise all of them commit.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(tx Repositories) error) error
	Ping(ctx context.Context) error
	Close() error
}
