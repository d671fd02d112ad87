// Package queue is a durable retry queue. Jobs are persisted by a Backend,
// claimed by a Worker with a visibility lease and retried with backoff until
// they succeed or run out of attempts, at which point they are dead-lettered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bankledger/internal/telemetry"
)

// Backend persists jobs and their state transitions
type Backend interface {
	Push(ctx context.Context, job *Job) error
	// Claim returns up to limit jobs due at now and hides them until now+lease
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error)
	// Retry stores the job's new attempt count and run time
	Retry(ctx context.Context, job *Job) error
	Complete(ctx context.Context, job *Job) error
	// Bury moves the job to the dead letters
	Bury(ctx context.Context, job *Job) error
	DeadLetters(ctx context.Context) ([]*Job, error)
	Close() error
}

type Queue struct {
	backend Backend
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend: backend,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("queue")
	return q
}

// Enqueue persists a job due immediately. The payload is stored as JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}, opts Options) (*Job, error) {
	if name == "" {
		return nil, errors.New("queue: job name is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffFixed
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}

	now := q.now()
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   b,
		Options:   opts,
		RunAt:     now,
		Status:    StatusWaiting,
		CreatedAt: now,
	}
	if err = q.backend.Push(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueuing %s job: %w", name, err)
	}

	q.metrics.JobEnqueued(ctx, name)
	q.logger.Info("enqueued job",
		zap.String("job", job.ID),
		zap.String("name", name),
		zap.Int("attempts", opts.Attempts),
		zap.Duration("backoff", opts.Backoff.Delay),
	)
	return job, nil
}

// DeadLetters lists jobs that ran out of attempts or failed permanently
func (q *Queue) DeadLetters(ctx context.Context) ([]*Job, error) {
	return q.backend.DeadLetters(ctx)
}

func (q *Queue) Close() error {
	return q.backend.Close()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
