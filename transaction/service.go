package transaction

import (
	"context"

	"go.uber.org/zap"

	"bankledger/transaction/options"
)

// Service answers read queries over the ledger
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

func (s *Service) FindAll(ctx context.Context, opts ...*options.TransactionOptions) ([]*Transaction, error) {
	s.logger.Info("fetching all transactions")
	return s.repo.Find(ctx, opts...)
}

func (s *Service) FindByID(ctx context.Context, id string) (*Transaction, error) {
	s.logger.Info("fetching transaction", zap.String("id", id))
	return s.repo.FindById(ctx, id)
}
