// Package ledger moves funds between accounts. Every movement is applied in a
// single atomic unit of the ledger store; a movement that can't be applied
// right away is handed to the retry queue under the same transaction id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"bankledger/account"
	"bankledger/internal/fault"
	"bankledger/internal/queue"
	"bankledger/internal/store"
	"bankledger/internal/telemetry"
	"bankledger/transaction"
)

// job names on the retry queue
const (
	JobTransfer   = "transfer"
	JobDeposit    = "deposit"
	JobWithdrawal = "withdrawal"
)

type TransferRequest struct {
	Amount                   decimal.Decimal `json:"amount" validate:"positive_decimal"`
	SourceAccountNumber      string          `json:"sourceAccountNumber" validate:"required,account_number"`
	DestinationAccountNumber string          `json:"destinationAccountNumber" validate:"required,account_number"`
}

type DepositRequest struct {
	Amount                   decimal.Decimal `json:"amount" validate:"positive_decimal"`
	DestinationAccountNumber string          `json:"destinationAccountNumber" validate:"required,account_number"`
}

type WithdrawalRequest struct {
	Amount              decimal.Decimal `json:"amount" validate:"positive_decimal"`
	SourceAccountNumber string          `json:"sourceAccountNumber" validate:"required,account_number"`
}

// queued payloads carry the request and the id handed back to the caller
type transferJob struct {
	TransferRequest
	TransactionID string `json:"transactionId"`
}

type depositJob struct {
	DepositRequest
	TransactionID string `json:"transactionId"`
}

type withdrawalJob struct {
	WithdrawalRequest
	TransactionID string `json:"transactionId"`
}

// Enqueuer persists a job for later execution
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}, opts queue.Options) (*queue.Job, error)
}

type BreakerConfig struct {
	// consecutive infrastructure failures that open the breaker
	ConsecutiveFailures uint32
	// how long the breaker stays open before letting a trial call through
	OpenTimeout time.Duration
}

type Config struct {
	Store   store.Store
	Queue   Enqueuer
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// attempts and backoff of deferred movements
	Retry queue.Options
	// when false, domain failures (missing account, insufficient balance) are returned
	// to the caller instead of being queued, and queued ones are dead-lettered at once
	RetryDomainErrors bool
	Breaker           BreakerConfig

	NewID func() string
	Now   func() time.Time
}

// DefaultConfig queues every failure with five attempts ten seconds apart
func DefaultConfig() Config {
	return Config{
		Retry:             queue.DefaultOptions(),
		RetryDomainErrors: true,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
	}
}

type Engine struct {
	store             store.Store
	queue             Enqueuer
	logger            *zap.Logger
	metrics           *telemetry.Metrics
	retry             queue.Options
	retryDomainErrors bool
	breaker           *gobreaker.CircuitBreaker
	newID             func() string
	now               func() time.Time
}

func New(c Config) (*Engine, error) {
	if c.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if c.Queue == nil {
		return nil, errors.New("ledger: queue is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Retry.Attempts == 0 {
		c.Retry = queue.DefaultOptions()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}

	e := &Engine{
		store:             c.Store,
		queue:             c.Queue,
		logger:            c.Logger.Named("ledger"),
		metrics:           c.Metrics,
		retry:             c.Retry,
		retryDomainErrors: c.RetryDomainErrors,
		newID:             c.NewID,
		now:               c.Now,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger-store",
		Timeout: c.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.Breaker.ConsecutiveFailures
		},
		// a missing account, or a caller that gave up, says nothing about the store's health
		IsSuccessful: func(err error) bool {
			var abandoned *abandonedError
			return err == nil || fault.IsDomain(err) || errors.As(err, &abandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return e, nil
}

// Transfer moves funds between two accounts and returns the transaction id.
// A failed attempt is queued for retry under the same id.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	id := e.newID()
	err := e.submit(ctx, JobTransfer, transaction.Transfer, id, transferJob{req, id}, func() error {
		return e.ExecuteTransfer(ctx, req, id)
	})
	return id, err
}

// Deposit credits an account and returns the transaction id
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (string, error) {
	id := e.newID()
	err := e.submit(ctx, JobDeposit, transaction.Deposit, id, depositJob{req, id}, func() error {
		return e.ExecuteDeposit(ctx, req, id)
	})
	return id, err
}

// Withdrawal debits an account and returns the transaction id
func (e *Engine) Withdrawal(ctx context.Context, req WithdrawalRequest) (string, error) {
	id := e.newID()
	err := e.submit(ctx, JobWithdrawal, transaction.Withdrawal, id, withdrawalJob{req, id}, func() error {
		return e.ExecuteWithdrawal(ctx, req, id)
	})
	return id, err
}

// abandonedError marks an attempt cut short by the caller's context
type abandonedError struct {
	err error
}

func (a *abandonedError) Error() string { return a.err.Error() }
func (a *abandonedError) Unwrap() error { return a.err }

func (e *Engine) submit(ctx context.Context, name string, txType transaction.Type, id string, payload interface{}, execute func() error) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		err := execute()
		if err != nil && ctx.Err() != nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, &abandonedError{err}
		}
		return nil, err
	})
	if err == nil {
		return nil
	}

	logger := e.logger.With(zap.String("transactionId", id), zap.String("type", string(txType)))
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Warn("store circuit open, enqueuing transaction")
	} else {
		logger.Error(fmt.Sprintf("%s failed, enqueuing transaction", name), zap.Error(err))
	}

	if fault.IsDomain(err) && !e.retryDomainErrors {
		return err
	}

	// the movement must outlive a caller that has already gone away
	ctx = context.WithoutCancel(ctx)
	if _, qerr := e.queue.Enqueue(ctx, name, payload, e.retry); qerr != nil {
		logger.Error("enqueuing transaction", zap.Error(qerr))
		return fmt.Errorf("%s %s not executed (%v) and not enqueued: %w", name, id, err, qerr)
	}
	e.metrics.Deferred(ctx, string(txType))
	return nil
}

// ExecuteTransfer applies a transfer in one atomic unit. It is a no-op when the
// transaction id is already in the ledger.
func (e *Engine) ExecuteTransfer(ctx context.Context, req TransferRequest, id string) error {
	logger := e.logger.With(zap.String("transactionId", id))
	logger.Info("started executing transfer")
	if err := CheckAmount(req.Amount); err != nil {
		return err
	}

	var settled bool
	err := e.store.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if settled, err = tx.TransactionExists(ctx, id); err != nil || settled {
			return err
		}

		source, err := e.find(ctx, tx, req.SourceAccountNumber, ErrSourceNotFound, logger)
		if err != nil {
			return err
		}
		if err = CheckDebit(source.Balance, req.Amount); err != nil {
			logger.Warn("insufficient balance", zap.String("account", source.Number))
			return err
		}
		destination, err := e.find(ctx, tx, req.DestinationAccountNumber, ErrDestinationNotFound, logger)
		if err != nil {
			return err
		}

		// source before destination, a self transfer locks once
		if source, err = tx.LockAccountForUpdate(ctx, source.Number); err != nil {
			return err
		}
		if destination.Number != source.Number {
			if destination, err = tx.LockAccountForUpdate(ctx, destination.Number); err != nil {
				return err
			}
		}
		if err = CheckDebit(source.Balance, req.Amount); err != nil {
			logger.Warn("insufficient balance", zap.String("account", source.Number))
			return err
		}

		logger.Info("transferring amount",
			zap.Stringer("amount", req.Amount),
			zap.String("from", source.Number),
			zap.String("to", destination.Number),
		)
		if err = tx.UpdateBalance(ctx, source.Number, req.Amount.Neg()); err != nil {
			return err
		}
		if err = tx.UpdateBalance(ctx, destination.Number, req.Amount); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &transaction.Transaction{
			ID:                   id,
			Type:                 transaction.Transfer,
			Amount:               req.Amount,
			SourceAccountID:      &source.ID,
			DestinationAccountID: &destination.ID,
			CreatedAt:            e.now(),
		})
	})
	return e.finish(ctx, logger, transaction.Transfer, settled, err, "successfully transferred amount", req.Amount)
}

// ExecuteDeposit applies a deposit in one atomic unit
func (e *Engine) ExecuteDeposit(ctx context.Context, req DepositRequest, id string) error {
	logger := e.logger.With(zap.String("transactionId", id))
	logger.Info("started executing deposit")
	if err := CheckAmount(req.Amount); err != nil {
		return err
	}

	var settled bool
	err := e.store.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if settled, err = tx.TransactionExists(ctx, id); err != nil || settled {
			return err
		}

		destination, err := e.find(ctx, tx, req.DestinationAccountNumber, ErrDestinationNotFound, logger)
		if err != nil {
			return err
		}
		if destination, err = tx.LockAccountForUpdate(ctx, destination.Number); err != nil {
			return err
		}

		logger.Info("depositing amount", zap.Stringer("amount", req.Amount), zap.String("to", destination.Number))
		if err = tx.UpdateBalance(ctx, destination.Number, req.Amount); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &transaction.Transaction{
			ID:                   id,
			Type:                 transaction.Deposit,
			Amount:               req.Amount,
			DestinationAccountID: &destination.ID,
			CreatedAt:            e.now(),
		})
	})
	return e.finish(ctx, logger, transaction.Deposit, settled, err, "successfully deposited amount", req.Amount)
}

// ExecuteWithdrawal applies a withdrawal in one atomic unit
func (e *Engine) ExecuteWithdrawal(ctx context.Context, req WithdrawalRequest, id string) error {
	logger := e.logger.With(zap.String("transactionId", id))
	logger.Info("started executing withdrawal")
	if err := CheckAmount(req.Amount); err != nil {
		return err
	}

	var settled bool
	err := e.store.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if settled, err = tx.TransactionExists(ctx, id); err != nil || settled {
			return err
		}

		source, err := e.find(ctx, tx, req.SourceAccountNumber, ErrSourceNotFound, logger)
		if err != nil {
			return err
		}
		if err = CheckDebit(source.Balance, req.Amount); err != nil {
			logger.Warn("insufficient balance", zap.String("account", source.Number))
			return err
		}
		if source, err = tx.LockAccountForUpdate(ctx, source.Number); err != nil {
			return err
		}
		if err = CheckDebit(source.Balance, req.Amount); err != nil {
			logger.Warn("insufficient balance", zap.String("account", source.Number))
			return err
		}

		logger.Info("withdrawing amount", zap.Stringer("amount", req.Amount), zap.String("from", source.Number))
		if err = tx.UpdateBalance(ctx, source.Number, req.Amount.Neg()); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &transaction.Transaction{
			ID:              id,
			Type:            transaction.Withdrawal,
			Amount:          req.Amount,
			SourceAccountID: &source.ID,
			CreatedAt:       e.now(),
		})
	})
	return e.finish(ctx, logger, transaction.Withdrawal, settled, err, "successfully withdrew amount", req.Amount)
}

func (e *Engine) find(ctx context.Context, tx store.Tx, number string, notFound error, logger *zap.Logger) (*account.Account, error) {
	a, err := tx.FindAccountByNumber(ctx, number)
	if errors.Is(err, account.ErrNotFound) {
		logger.Warn(notFound.Error(), zap.String("account", number))
		return nil, notFound
	}
	return a, err
}

func (e *Engine) finish(ctx context.Context, logger *zap.Logger, txType transaction.Type, settled bool, err error, msg string, amount decimal.Decimal) error {
	if err != nil {
		return err
	}
	if settled {
		logger.Info("transaction already settled, skipping")
		return nil
	}
	e.metrics.Executed(ctx, string(txType))
	logger.Info(msg, zap.Stringer("amount", amount))
	logger.Info(fmt.Sprintf("finished executing %s", jobName(txType)))
	return nil
}

func jobName(t transaction.Type) string {
	switch t {
	case transaction.Transfer:
		return JobTransfer
	case transaction.Deposit:
		return JobDeposit
	default:
		return JobWithdrawal
	}
}
