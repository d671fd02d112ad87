package ledger

import (
	"context"

	"bankledger/internal/fault"
	"bankledger/internal/queue"
)

// Register routes queued movements back to the engine's execution methods
func (e *Engine) Register(w *queue.Worker) {
	w.Register(JobTransfer, func(ctx context.Context, job *queue.Job) error {
		var p transferJob
		if err := job.Decode(&p); err != nil {
			return queue.Permanent(err)
		}
		return e.classify(e.ExecuteTransfer(ctx, p.TransferRequest, p.TransactionID))
	})
	w.Register(JobDeposit, func(ctx context.Context, job *queue.Job) error {
		var p depositJob
		if err := job.Decode(&p); err != nil {
			return queue.Permanent(err)
		}
		return e.classify(e.ExecuteDeposit(ctx, p.DepositRequest, p.TransactionID))
	})
	w.Register(JobWithdrawal, func(ctx context.Context, job *queue.Job) error {
		var p withdrawalJob
		if err := job.Decode(&p); err != nil {
			return queue.Permanent(err)
		}
		return e.classify(e.ExecuteWithdrawal(ctx, p.WithdrawalRequest, p.TransactionID))
	})
}

func (e *Engine) classify(err error) error {
	if fault.IsDomain(err) && !e.retryDomainErrors {
		return queue.Permanent(err)
	}
	return err
}
