package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type names the kind of funds movement a Transaction records
type Type string

const (
	Deposit    Type = "DEPOSIT"
	Withdrawal Type = "WITHDRAWAL"
	Transfer   Type = "TRANSFER"
)

func (t Type) Valid() bool {
	switch t {
	case Deposit, Withdrawal, Transfer:
		return true
	}
	return false
}

// Transaction is the immutable ledger record of one committed movement.
// Deposits only have a destination, withdrawals only a source, transfers both.
type Transaction struct {
	ID                   string          `db:"id"`
	Type                 Type            `db:"type"`
	Amount               decimal.Decimal `db:"amount"`
	SourceAccountID      *int64          `db:"source_account_id"`
	DestinationAccountID *int64          `db:"destination_account_id"`
	CreatedAt            time.Time       `db:"created_at"`

	// resolved from the account table on reads
	SourceAccountNumber      *string `db:"source_account_number"`
	DestinationAccountNumber *string `db:"destination_account_number"`
}

// AccountNumber is the single account a deposit or withdrawal touched
func (t *Transaction) AccountNumber() *string {
	switch t.Type {
	case Deposit:
		return t.DestinationAccountNumber
	case Withdrawal:
		return t.SourceAccountNumber
	}
	return nil
}
