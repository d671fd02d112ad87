// Package telemetry holds the OpenTelemetry instruments recorded by the
// engine and the retry queue.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "bankledger"

// Metrics is safe for concurrent use. The zero value is not usable; a nil
// *Metrics records nothing.
type Metrics struct {
	executed     metric.Int64Counter
	deferred     metric.Int64Counter
	enqueued     metric.Int64Counter
	retried      metric.Int64Counter
	completed    metric.Int64Counter
	deadLettered metric.Int64Counter
}

// New creates the instruments on the provider's meter. A nil provider uses
// the global one.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&m.executed, "ledger.transactions.executed", "Mutations committed by the engine"},
		{&m.deferred, "ledger.transactions.deferred", "Synchronous attempts that fell back to the retry queue"},
		{&m.enqueued, "queue.jobs.enqueued", "Jobs pushed to the retry queue"},
		{&m.retried, "queue.jobs.retried", "Failed job attempts rescheduled with backoff"},
		{&m.completed, "queue.jobs.completed", "Jobs executed successfully by the worker"},
		{&m.deadLettered, "queue.jobs.dead_lettered", "Jobs that exhausted their attempts"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
	}

	return &m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, key, value string) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}

// Executed records a committed mutation of the given transaction type.
func (m *Metrics) Executed(ctx context.Context, txType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.executed, "type", txType)
}

// Deferred records a synchronous attempt handed off to the queue.
func (m *Metrics) Deferred(ctx context.Context, txType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.deferred, "type", txType)
}

func (m *Metrics) JobEnqueued(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.add(ctx, m.enqueued, "job", name)
}

func (m *Metrics) JobRetried(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.add(ctx, m.retried, "job", name)
}

func (m *Metrics) JobCompleted(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.add(ctx, m.completed, "job", name)
}

func (m *Metrics) JobDeadLettered(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.add(ctx, m.deadLettered, "job", name)
}
