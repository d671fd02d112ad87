// Package store defines the atomic unit of work the ledger engine moves funds in.
//
// A Store runs a function inside one unit: either every balance update and
// ledger record made through the Tx commits, or none does. Row locks taken
// with LockAccountForUpdate are held until the unit ends.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"bankledger/account"
	"bankledger/transaction"
)

type Store interface {
	// RunAtomic commits when fn returns nil and rolls back otherwise
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside a unit
type Tx interface {
	// FindAccountByNumber reads without locking. Returns account.ErrNotFound
	FindAccountByNumber(ctx context.Context, number string) (*account.Account, error)
	// LockAccountForUpdate blocks until the row lock is acquired and returns the account as seen under the lock
	LockAccountForUpdate(ctx context.Context, number string) (*account.Account, error)
	// UpdateBalance adds delta to the balance of a locked account
	UpdateBalance(ctx context.Context, number string, delta decimal.Decimal) error
	InsertTransaction(ctx context.Context, t *transaction.Transaction) error
	TransactionExists(ctx context.Context, id string) (bool, error)
}
