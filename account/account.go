package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a balance and is identified by its unique number
type Account struct {
	ID        int64           `db:"id" json:"id"`
	Number    string          `db:"number" json:"number"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}
