package account

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bankledger/internal/fault"
)

// CreateRequest is the validated input for opening an account
type CreateRequest struct {
	Number string `json:"number" validate:"required,account_number"`
	// optional, defaults to zero
	Balance *decimal.Decimal `json:"balance,omitempty" validate:"omitempty,nonnegative_decimal"`
}

// Service implements account creation and lookups. It never mutates a
// balance after creation; that is the engine's job.
type Service struct {
	repo   Repo
	logger *zap.Logger
}

func NewService(repo Repo, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger}
}

// Create opens an account and returns its id
func (s *Service) Create(ctx context.Context, req CreateRequest) (int64, error) {
	_, err := s.repo.FindByNumber(ctx, req.Number)
	switch {
	case err == nil:
		s.logger.Warn("account already exists", zap.String("number", req.Number))
		return 0, ErrExists
	case !errors.Is(err, ErrNotFound):
		return 0, err
	}

	balance := decimal.Zero
	if req.Balance != nil {
		if req.Balance.IsNegative() {
			return 0, fault.BadRequest("initial balance must not be negative")
		}
		balance = *req.Balance
	}

	a := &Account{Number: req.Number, Balance: balance}
	if err = s.repo.Create(ctx, a); err != nil {
		return 0, err
	}

	s.logger.Info("created account", zap.Int64("id", a.ID), zap.String("number", a.Number))
	return a.ID, nil
}

func (s *Service) FindAll(ctx context.Context) ([]*Account, error) {
	return s.repo.FindAll(ctx)
}

func (s *Service) FindByID(ctx context.Context, id int64) (*Account, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) FindByNumber(ctx context.Context, number string) (*Account, error) {
	return s.repo.FindByNumber(ctx, number)
}
