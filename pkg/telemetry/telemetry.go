// Package telemetry provides the OpenTelemetry tracer and meter providers,
// a StartOperation span helper with a duration histogram, and counters for
// lease claims, renewals, expiries, and receipt emissions. The server builds
// and shuts down the Provider; pkg/engine and pkg/sweeper do not call it, so
// engine operations emit no spans or counter updates.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer/meter providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Exporter selects the span/metric exporter. "stdout" writes
	// human-readable JSON to the process's stdout; "none" disables export
	// while still exercising the SDK's span/metric recording path. No OTLP
	// collector endpoint is assumed reachable from this process.
	Exporter string
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "asyncgate"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	return c
}

// Provider owns the tracer/meter providers and the engine's counters.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	log            *slog.Logger

	leaseClaims     metric.Int64Counter
	leaseRenewals   metric.Int64Counter
	leaseExpiries   metric.Int64Counter
	receiptsEmitted metric.Int64Counter
	opDuration      metric.Float64Histogram
}

// New builds a Provider and sets it as the process-global tracer/meter
// provider.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Provider, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{cfg: cfg, log: log}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTracing(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init tracing: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metrics: %w", err)
	}

	p.tracer = otel.Tracer("asyncgate/engine")
	p.meter = otel.Meter("asyncgate/engine")

	if err := p.initCounters(); err != nil {
		return nil, fmt.Errorf("telemetry: init counters: %w", err)
	}

	log.InfoContext(ctx, "telemetry initialized", "exporter", cfg.Exporter, "environment", cfg.Environment)
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource) error {
	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	if p.cfg.Exporter == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	var opts []sdkmetric.Option
	opts = append(opts, sdkmetric.WithResource(res))

	if p.cfg.Exporter == "stdout" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initCounters() error {
	var err error
	p.leaseClaims, err = p.meter.Int64Counter("asyncgate.lease.claims",
		metric.WithDescription("Leases claimed"), metric.WithUnit("{lease}"))
	if err != nil {
		return err
	}
	p.leaseRenewals, err = p.meter.Int64Counter("asyncgate.lease.renewals",
		metric.WithDescription("Leases renewed"), metric.WithUnit("{lease}"))
	if err != nil {
		return err
	}
	p.leaseExpiries, err = p.meter.Int64Counter("asyncgate.lease.expiries",
		metric.WithDescription("Leases reclaimed by the sweeper"), metric.WithUnit("{lease}"))
	if err != nil {
		return err
	}
	p.receiptsEmitted, err = p.meter.Int64Counter("asyncgate.receipts.emitted",
		metric.WithDescription("Receipts emitted"), metric.WithUnit("{receipt}"))
	if err != nil {
		return err
	}
	p.opDuration, err = p.meter.Float64Histogram("asyncgate.engine.operation.duration",
		metric.WithDescription("TaskEngine operation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	return err
}

// Shutdown flushes and closes both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.log.ErrorContext(ctx, "telemetry: tracer shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.log.ErrorContext(ctx, "telemetry: meter shutdown failed", "err", err)
		}
	}
	return nil
}

// StartOperation starts a span named op and returns a function to call on
// completion with the resulting error, recording the span status and the
// operation duration histogram.
func (p *Provider) StartOperation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		p.opDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		span.End()
	}
}

func (p *Provider) RecordLeaseClaim(ctx context.Context, n int64) {
	p.leaseClaims.Add(ctx, n)
}

func (p *Provider) RecordLeaseRenewal(ctx context.Context) {
	p.leaseRenewals.Add(ctx, 1)
}

func (p *Provider) RecordLeaseExpiry(ctx context.Context, n int64) {
	p.leaseExpiries.Add(ctx, n)
}

func (p *Provider) RecordReceiptEmitted(ctx context.Context, receiptType string) {
	p.receiptsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("receipt.type", receiptType)))
}
