package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds scheduler metrics using OTEL semantic conventions
type DaemonMetrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	lastSuccess   metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("aida.daemon")

	cycles, err := meter.Int64Counter(
		"aida.daemon.cycles",
		metric.WithDescription("Number of scheduled runs"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"aida.daemon.cycle.duration",
		metric.WithDescription("Duration of scheduled runs including lock waits"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastSuccess, err := meter.Int64Gauge(
		"aida.daemon.last_success",
		metric.WithDescription("Unix time of the last successful run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		cycles:        cycles,
		cycleDuration: cycleDuration,
		lastSuccess:   lastSuccess,
	}, nil
}

// RecordCycle records a scheduled run with status (success, failure or
// skipped)
func (m *DaemonMetrics) RecordCycle(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLastSuccess records when the last successful run finished
func (m *DaemonMetrics) RecordLastSuccess(ctx context.Context, at time.Time) {
	m.lastSuccess.Record(ctx, at.Unix())
}
