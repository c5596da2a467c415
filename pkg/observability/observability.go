// Package observability wires OpenTelemetry tracing and metrics for the
// verification service.
//
// When telemetry is disabled the global no-op providers stay in place, so
// instrumented code never needs to check whether export is configured.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter name used across ecocert.
const InstrumentationName = "github.com/ecosign/ecocert"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // gRPC, e.g. "localhost:4317"
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ecocert",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider hands out the tracer and meter and times API requests.
type Provider struct {
	tracer   trace.Tracer
	meter    metric.Meter
	requests metric.Int64Counter
	duration metric.Float64Histogram
	shutdown []func(context.Context) error
}

// New installs global exporting providers when config.Enabled is set.
// Otherwise it uses whatever global providers are already in place.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{}
	logger := slog.Default().With("component", "observability")

	if config.Enabled {
		if err := p.install(ctx, config); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "telemetry export enabled",
			"service", config.ServiceName,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	}

	p.tracer = otel.Tracer(InstrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(InstrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	var err error
	if p.requests, err = p.meter.Int64Counter("ecocert.http.requests",
		metric.WithDescription("API requests by route and outcome"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("request counter: %w", err)
	}
	if p.duration, err = p.meter.Float64Histogram("ecocert.http.duration",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60)); err != nil {
		return nil, fmt.Errorf("request duration: %w", err)
	}
	return p, nil
}

// install builds OTLP gRPC exporters for traces and metrics and makes them
// the global providers.
func (p *Provider) install(ctx context.Context, config *Config) error {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		// TraceIDRatioBased samples everything at >= 1 and nothing at <= 0.
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(15*time.Second))),
	)
	p.shutdown = append(p.shutdown, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// Shutdown flushes and stops the exporting providers installed by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range p.shutdown {
		errs = append(errs, stop(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// StartRequest opens a server span for an API route. The returned func ends
// it, counting the request as "ok" or "error" and recording its duration.
func (p *Provider) StartRequest(ctx context.Context, route string) (context.Context, func(error)) {
	start := time.Now()
	routeAttr := attribute.String("http.route", route)
	ctx, span := p.tracer.Start(ctx, "http "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(routeAttr),
	)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
		}
		attrs := metric.WithAttributes(routeAttr, attribute.String("outcome", outcome))
		p.requests.Add(ctx, 1, attrs)
		p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		span.End()
	}
}
