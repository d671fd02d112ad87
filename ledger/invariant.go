package ledger

import (
	"github.com/shopspring/decimal"

	"bankledger/internal/fault"
)

var (
	ErrInsufficientBalance = fault.BadRequest("insufficient balance")
	ErrInvalidAmount       = fault.BadRequest("amount must be positive")
	ErrSourceNotFound      = fault.NotFound("source account not found")
	ErrDestinationNotFound = fault.NotFound("destination account not found")
)

// CheckDebit rejects a debit that would leave the balance negative.
// Debiting down to exactly zero is allowed.
func CheckDebit(balance, amount decimal.Decimal) error {
	if balance.Sub(amount).IsNegative() {
		return ErrInsufficientBalance
	}
	return nil
}

// CheckAmount rejects zero and negative amounts
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
