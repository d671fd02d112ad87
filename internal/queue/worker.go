package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler executes a job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

type WorkerConfig struct {
	// how often the backend is polled for due jobs
	PollInterval time.Duration
	// how long a claimed job stays hidden from other workers
	Lease time.Duration
	// max jobs claimed per poll
	Batch int
}

func (c *WorkerConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 16
	}
}

type Worker struct {
	q      *Queue
	config WorkerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(q *Queue, config WorkerConfig) *Worker {
	config.setDefaults()
	return &Worker{
		q:        q,
		config:   config,
		logger:   q.logger.Named("worker"),
		handlers: make(map[string]Handler),
	}
}

// Register routes jobs named name to h
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run polls until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", zap.Duration("poll_interval", w.config.PollInterval))
	for {
		if _, err := w.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("processing due jobs", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue claims the jobs due now and runs them. It returns how many were processed.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	processed := 0
	for {
		jobs, err := w.q.backend.Claim(ctx, w.q.now(), w.config.Lease, w.config.Batch)
		if err != nil {
			return processed, fmt.Errorf("claiming jobs: %w", err)
		}
		if len(jobs) == 0 {
			return processed, nil
		}
		for _, job := range jobs {
			if err = w.process(ctx, job); err != nil {
				return processed, err
			}
			processed++
		}
		if len(jobs) < w.config.Batch {
			return processed, nil
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	logger := w.logger.With(
		zap.String("job", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempt", job.AttemptsMade+1),
	)

	h, ok := w.handler(job.Name)
	if !ok {
		job.LastError = "no handler registered"
		logger.Error("unknown job, moving to dead letters")
		return w.bury(ctx, job)
	}

	err := w.run(ctx, h, job)
	job.AttemptsMade++
	if err == nil {
		if err = w.q.backend.Complete(ctx, job); err != nil {
			return fmt.Errorf("completing job %s: %w", job.ID, err)
		}
		w.q.metrics.JobCompleted(ctx, job.Name)
		logger.Info("job completed")
		return nil
	}

	job.LastError = err.Error()
	if IsPermanent(err) || job.exhausted() {
		logger.Error("job failed, moving to dead letters", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		return w.bury(ctx, job)
	}

	delay := job.Options.Backoff.Next(job.AttemptsMade)
	job.RunAt = w.q.now().Add(delay)
	if err := w.q.backend.Retry(ctx, job); err != nil {
		return fmt.Errorf("rescheduling job %s: %w", job.ID, err)
	}
	w.q.metrics.JobRetried(ctx, job.Name)
	logger.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	return nil
}

func (w *Worker) run(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) bury(ctx context.Context, job *Job) error {
	job.Status = StatusDead
	if err := w.q.backend.Bury(ctx, job); err != nil {
		return fmt.Errorf("burying job %s: %w", job.ID, err)
	}
	w.q.metrics.JobDeadLettered(ctx, job.Name)
	return nil
}
