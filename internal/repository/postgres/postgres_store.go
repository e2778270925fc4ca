package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/ReferralCreditService/internal/repository"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// DBTX is satisfied by both *sql.DB and *sql.Tx so a repository can run
// against a pool or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repos struct {
	accounts  *PostgresAccountRepository
	referrals *PostgresReferralRepository
	purchases *PostgresPurchaseRepository
	ledger    *PostgresLedgerRepository
}

func newRepos(db DBTX) *repos {
	return &repos{
		accounts:  NewPostgresAccountRepository(db),
		referrals: NewPostgresReferralRepository(db),
		purchases: NewPostgresPurchaseRepository(db),
		ledger:    NewPostgresLedgerRepository(db),
	}
}

func (r *repos) Accounts() repository.AccountRepository   { return r.accounts }
func (r *repos) Referrals() repository.ReferralRepository { return r.referrals }
func (r *repos) Purchases() repository.PurchaseRepository { return r.purchases }
func (r *repos) Ledger() repository.LedgerRepository      { return r.ledger }

type PostgresStore struct {
	*repos
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		repos:       newRepos(db),
		db:          db,
		lockTimeout: lockTimeout,
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, lockTimeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := NewPostgresStore(db, lockTimeout)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		slog.Error("failed to apply schema", "error", err)
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("database schema applied")
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
				slog.Error("failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err = fn(newRepos(tx)); err != nil {
		return classify(err)
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// classify marks lock timeouts, deadlocks and serialization failures with
// ErrTransactionConflict so callers can retry the whole unit of work.
func classify(err error) error {
	if err == nil || stderrors.Is(err, pkgerrors.ErrTransactionConflict) {
		return err
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %w", pkgerrors.ErrTransactionConflict, err)
	}
	return err
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ repository.Store = (*PostgresStore)(nil)
