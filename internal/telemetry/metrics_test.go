package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.Executed(ctx, "TRANSFER")
	m.Executed(ctx, "TRANSFER")
	m.Deferred(ctx, "DEPOSIT")
	m.JobDeadLettered(ctx, "withdrawal")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, each := range sm.Metrics {
			sum, ok := each.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				got[each.Name] += dp.Value
			}
		}
	}

	require.Equal(t, int64(2), got["ledger.transactions.executed"])
	require.Equal(t, int64(1), got["ledger.transactions.deferred"])
	require.Equal(t, int64(1), got["queue.jobs.dead_lettered"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Executed(context.Background(), "DEPOSIT")
		m.JobRetried(context.Background(), "deposit")
	})
}
