// Package telemetry provides logging and OpenTelemetry instrumentation for
// AIDA.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/irisfeed/aida/internal/config"
)

const instrumentationName = "github.com/irisfeed/aida"

// Provider wraps OTEL tracer and meter providers. Metrics are always
// readable through Handler; the OTLP exporters are optional.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *promclient.Registry
	tracer         trace.Tracer
	meter          metric.Meter

	runs           metric.Int64Counter
	runDuration    metric.Float64Histogram
	reports        metric.Int64Counter
	generated      metric.Int64Counter
	changeLines    metric.Int64Counter
	transferErrors metric.Int64Counter
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	// Custom registry so repeated providers never collide on the default one.
	p.registry = promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.runs, err = p.meter.Int64Counter(
		"aida.runs",
		metric.WithDescription("Completed snapshot runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return fmt.Errorf("create runs: %w", err)
	}

	p.runDuration, err = p.meter.Float64Histogram(
		"aida.run.duration",
		metric.WithDescription("Duration of snapshot runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.reports, err = p.meter.Int64Counter(
		"aida.reports.compared",
		metric.WithDescription("Reports compared against the previous snapshot"),
		metric.WithUnit("{report}"),
	)
	if err != nil {
		return fmt.Errorf("create reports_compared: %w", err)
	}

	p.generated, err = p.meter.Int64Counter(
		"aida.reports.generated",
		metric.WithDescription("Report definitions processed by the MIS adapter"),
		metric.WithUnit("{report}"),
	)
	if err != nil {
		return fmt.Errorf("create reports_generated: %w", err)
	}

	p.changeLines, err = p.meter.Int64Counter(
		"aida.changeset.lines",
		metric.WithDescription("Lines emitted into change sets"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return fmt.Errorf("create changeset_lines: %w", err)
	}

	p.transferErrors, err = p.meter.Int64Counter(
		"aida.transfer.errors",
		metric.WithDescription("Failed transfers of transmit files"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return fmt.Errorf("create transfer_errors: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Registry returns the Prometheus registry backing Handler.
func (p *Provider) Registry() *promclient.Registry {
	return p.registry
}

// Handler serves the provider's metrics in Prometheus text format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// RecordRun records a finished run. mode is "local" or "connected".
func (p *Provider) RecordRun(ctx context.Context, status, mode string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("mode", mode),
	)
	p.runs.Add(ctx, 1, attrs)
	p.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordOutcome records the comparison outcome for one report.
func (p *Provider) RecordOutcome(ctx context.Context, outcome string) {
	p.reports.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGenerated records n definitions ending in result (generated,
// disabled, imported or failed).
func (p *Provider) RecordGenerated(ctx context.Context, adapter, result string, n int) {
	if n <= 0 {
		return
	}
	p.generated.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("adapter", adapter),
		attribute.String("result", result),
	))
}

// RecordChangeLines records add and remove lines of a change set.
func (p *Provider) RecordChangeLines(ctx context.Context, adds, removes int) {
	if adds > 0 {
		p.changeLines.Add(ctx, int64(adds), metric.WithAttributes(attribute.String("op", "add")))
	}
	if removes > 0 {
		p.changeLines.Add(ctx, int64(removes), metric.WithAttributes(attribute.String("op", "remove")))
	}
}

// RecordTransferError records a failed transfer.
func (p *Provider) RecordTransferError(ctx context.Context, stage string) {
	p.transferErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
