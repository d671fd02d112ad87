package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"bankledger/internal/fault"
	"bankledger/internal/postgres"
)

var (
	ErrNotFound = fault.NotFound("account not found")
	ErrExists   = fault.Conflict("account already exists")
)

// Data store abstraction for accounts
type Repo interface {
	// Create inserts the account and fills in its generated fields
	Create(ctx context.Context, a *Account) error
	FindAll(ctx context.Context) ([]*Account, error)
	FindByID(ctx context.Context, id int64) (*Account, error)
	FindByNumber(ctx context.Context, number string) (*Account, error)
}

var _ Repo = (*PostgresRepo)(nil)

type PostgresRepo struct {
	db *sqlx.DB
}

func NewPostgresRepo(db *sqlx.DB) (*PostgresRepo, error) {
	return &PostgresRepo{db: db}, nil
}

const selectAccount = "SELECT id, number, balance, created_at, updated_at FROM account"

func (r *PostgresRepo) Create(ctx context.Context, a *Account) error {
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO account (number, balance) VALUES ($1, $2) RETURNING id, created_at, updated_at`,
		a.Number,
		a.Balance,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return fault.Wrap(fault.KindConflict, err, ErrExists.Error())
	}
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	return nil
}

func (r *PostgresRepo) FindAll(ctx context.Context) ([]*Account, error) {
	var result []*Account
	err := r.db.SelectContext(ctx, &result, selectAccount+" ORDER BY id")
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PostgresRepo) FindByID(ctx context.Context, id int64) (*Account, error) {
	return r.get(ctx, selectAccount+" WHERE id = $1", id)
}

func (r *PostgresRepo) FindByNumber(ctx context.Context, number string) (*Account, error) {
	return r.get(ctx, selectAccount+" WHERE number = $1", number)
}

func (r *PostgresRepo) get(ctx context.Context, query string, arg interface{}) (*Account, error) {
	var result Account
	err := r.db.GetContext(ctx, &result, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &result, nil
}
