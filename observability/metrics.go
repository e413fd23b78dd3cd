package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a Prometheus-backed meter provider as the
// global OpenTelemetry provider and returns it for shutdown.
func InitMetrics() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}

// DispatchMetrics records dispatcher outcomes: one counter and one
// latency histogram per upstream attempt, plus a counter for queue
// rejections. It satisfies the dispatcher's MetricsRecorder.
type DispatchMetrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	rejected metric.Int64Counter
}

// NewDispatchMetrics creates the dispatcher instruments on the global
// meter provider.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("chatmesh.dispatch")

	calls, err := meter.Int64Counter(
		"chatmesh.dispatch.calls",
		metric.WithDescription("Upstream call attempts by pool, account, and status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"chatmesh.dispatch.latency",
		metric.WithDescription("Upstream call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	rejected, err := meter.Int64Counter(
		"chatmesh.dispatch.rejected",
		metric.WithDescription("Submissions rejected on a full worker queue"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rejection counter: %w", err)
	}

	return &DispatchMetrics{calls: calls, latency: latency, rejected: rejected}, nil
}

// RecordCall records one upstream attempt.
func (m *DispatchMetrics) RecordCall(ctx context.Context, pool, account string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("pool", pool),
		attribute.String("account", account),
		attribute.String("status", status),
	)
	m.calls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}

// RecordRejected records one queue rejection.
func (m *DispatchMetrics) RecordRejected(ctx context.Context, pool string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}
