package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"bankledger/internal/fault"
	"bankledger/transaction/options"
)

var ErrNotFound = fault.NotFound("transaction not found")

// Data store abstraction for querying transactions.
// Records are written by the ledger store inside the unit that moves the funds.
type Repo interface {
	FindById(ctx context.Context, id string) (*Transaction, error)
	Find(ctx context.Context, opts ...*options.TransactionOptions) ([]*Transaction, error)
}

var _ Repo = (*PostgresRepo)(nil)

type PostgresRepo struct {
	db *sqlx.DB
}

func NewPostgresRepo(db *sqlx.DB) (*PostgresRepo, error) {
	r := &PostgresRepo{db: db}

	return r, nil
}

const selectTransaction = `SELECT t.id, t.type, t.amount, t.source_account_id, t.destination_account_id, t.created_at,
	s.number AS source_account_number, d.number AS destination_account_number
	FROM transaction t
	LEFT JOIN account s ON s.id = t.source_account_id
	LEFT JOIN account d ON d.id = t.destination_account_id`

const orderTransaction = " ORDER BY t.created_at, t.id"

// InsertQuery is used by the ledger store to append a record
const InsertQuery = `INSERT INTO transaction (id, type, amount, source_account_id, destination_account_id, created_at)
	VALUES (:id, :type, :amount, :source_account_id, :destination_account_id, :created_at)`

func (r *PostgresRepo) FindById(ctx context.Context, id string) (*Transaction, error) {
	var result Transaction
	err := r.db.GetContext(ctx, &result, selectTransaction+" WHERE t.id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &result, nil
}

type filter struct {
	column string
	key    string
	value  interface{}
}

// Executes a Find operation and returns a list of Transactions ordered by creation time.
// The `transactionOptions` can be used to specify options for the operation
func (r *PostgresRepo) Find(ctx context.Context, transactionOptions ...*options.TransactionOptions) ([]*Transaction, error) {
	var result []*Transaction
	// build query
	query := selectTransaction

	if len(transactionOptions) == 0 || transactionOptions[0] == nil {
		err := r.db.SelectContext(ctx, &result, query+orderTransaction)
		if err != nil {
			return nil, err
		}

		return result, nil
	}

	opt := transactionOptions[0]
	var filters []filter
	if len(opt.IDs) > 0 {
		filters = append(filters, filter{"t.id", "id", opt.IDs})
	}
	if len(opt.Types) > 0 {
		filters = append(filters, filter{"t.type", "type", opt.Types})
	}
	if opt.Amount != nil {
		filters = append(filters, filter{"t.amount", "amount", opt.Amount})
	}
	if opt.Timestamp != nil {
		filters = append(filters, filter{"t.created_at", "created_at", opt.Timestamp})
	}

	var where []string
	namedParams := make(map[string]interface{})

	updateQueryParams := func(stmt, key string, value interface{}) {
		where = append(where, stmt)
		namedParams[key] = value
	}

	for _, f := range filters {
		switch v := f.value.(type) {
		case options.Range:
			var key string

			from, ok := v.From()
			if ok {
				key = f.key + "_from"
				fromStmt := fmt.Sprintf("%s >= :%s", f.column, key)
				updateQueryParams(fromStmt, key, from)
			}
			to, ok := v.To()
			if ok {
				key = f.key + "_to"
				toStmt := fmt.Sprintf("%s <= :%s", f.column, key)
				updateQueryParams(toStmt, key, to)
			}

		default:
			stmt := fmt.Sprintf("%s in (:%s)", f.column, f.key)
			updateQueryParams(stmt, f.key, v)
		}
	}

	if opt.AccountNumber != "" {
		updateQueryParams("(s.number = :account_number OR d.number = :account_number)", "account_number", opt.AccountNumber)
	}

	if len(where) > 0 {
		query = fmt.Sprintf("%s WHERE %s",
			query,
			strings.Join(where, " AND "),
		)
	}
	query += orderTransaction
	if opt.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opt.Limit)
	}

	query, args, err := sqlx.Named(query, namedParams)
	if err != nil {
		return nil, err
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)
	err = r.db.SelectContext(ctx, &result, query, args...)
	if err != nil {
		return nil, err
	}

	return result, nil
}
