package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"bankledger/account"
	"bankledger/internal/fault"
	"bankledger/internal/postgres"
	"bankledger/transaction"
)

var (
	ErrInsufficientBalance = fault.BadRequest("insufficient balance")
	ErrDuplicate           = fault.Conflict("transaction already exists")
)

var _ Store = (*Postgres)(nil)

// Postgres runs units in database transactions. Row locks are SELECT ... FOR UPDATE.
type Postgres struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

func NewPostgres(db *sqlx.DB, lockTimeout time.Duration) *Postgres {
	return &Postgres{db: db, lockTimeout: lockTimeout}
}

func (p *Postgres) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	if p.lockTimeout > 0 {
		_, err = sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds()))
		if err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("setting lock timeout: %w", err)
		}
	}

	if err = fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return classify(err, "committing transaction")
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

const selectAccount = "SELECT id, number, balance, created_at, updated_at FROM account WHERE number = $1"

func (t *pgTx) FindAccountByNumber(ctx context.Context, number string) (*account.Account, error) {
	return t.getAccount(ctx, selectAccount, number)
}

func (t *pgTx) LockAccountForUpdate(ctx context.Context, number string) (*account.Account, error) {
	return t.getAccount(ctx, selectAccount+" FOR UPDATE", number)
}

func (t *pgTx) getAccount(ctx context.Context, query, number string) (*account.Account, error) {
	var a account.Account
	err := t.tx.GetContext(ctx, &a, query, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "reading account")
	}
	return &a, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, number string, delta decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE account SET balance = balance + $1, updated_at = now() WHERE number = $2",
		delta,
		number,
	)
	if err != nil {
		return classify(err, "updating balance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *transaction.Transaction) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.NamedExecContext(ctx, transaction.InsertQuery, tr)
	if err != nil {
		return classify(err, "inserting transaction")
	}
	return nil
}

func (t *pgTx) TransactionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM transaction WHERE id = $1)", id)
	if err != nil {
		return false, classify(err, "checking transaction")
	}
	return exists, nil
}

// classify maps constraint violations onto domain faults and leaves the rest internal
func classify(err error, op string) error {
	switch {
	case postgres.IsCheckViolation(err):
		return fault.Wrap(fault.KindBadRequest, err, ErrInsufficientBalance.Error())
	case postgres.IsUniqueViolation(err):
		return fault.Wrap(fault.KindConflict, err, ErrDuplicate.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}
