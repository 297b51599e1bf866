// Package telemetry sets up OpenTelemetry tracing and metrics for both
// fleet roles.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "fleet"

// Options configures telemetry setup
type Options struct {
	Config config.Telemetry
	// Registerer receives the OpenTelemetry metrics through the Prometheus
	// exporter. Nil leaves the meter provider as a no-op.
	Registerer promclient.Registerer
}

// Telemetry manages OpenTelemetry providers
type Telemetry struct {
	config      config.Telemetry
	tracer      trace.Tracer
	meter       metric.Meter
	propagator  propagation.TextMapPropagator
	instruments *Instruments
	resource    *resource.Resource
	shutdown    []func(context.Context) error
}

// New creates a new telemetry instance. When tracing is disabled the
// tracer comes from the global (no-op by default) provider.
func New(opts Options) (*Telemetry, error) {
	t := &Telemetry{
		config: opts.Config,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	otel.SetTextMapPropagator(t.propagator)

	if opts.Config.Enabled || opts.Registerer != nil {
		if err := t.initResource(); err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	if opts.Config.Enabled {
		if err := t.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	} else {
		t.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}

	if opts.Registerer != nil {
		if err := t.initMetrics(opts.Registerer); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	} else {
		t.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	instruments, err := NewInstruments(t.meter)
	if err != nil {
		return nil, err
	}
	t.instruments = instruments

	return t, nil
}

// initResource creates the OpenTelemetry resource
func (t *Telemetry) initResource() error {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(t.config.ServiceName),
		semconv.ServiceVersion(t.config.ServiceVersion),
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	t.resource = res
	return nil
}

// initTracing initializes the tracing provider with an OTLP/HTTP exporter
func (t *Telemetry) initTracing() error {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
			MaxElapsedTime:  time.Minute,
		}),
		otlptracehttp.WithInsecure(),
	}
	if t.config.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(t.config.Endpoint))
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	if t.config.SampleRate > 0 && t.config.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.config.SampleRate))
	} else {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(t.resource),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	t.tracer = tp.Tracer(instrumentationName)
	t.shutdown = append(t.shutdown, tp.Shutdown)

	return nil
}

// initMetrics initializes a meter provider exported through registerer
func (t *Telemetry) initMetrics(registerer promclient.Registerer) error {
	exporter, err := prometheus.New(prometheus.WithRegisterer(registerer))
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(t.resource),
	)

	t.meter = mp.Meter(instrumentationName)
	t.shutdown = append(t.shutdown, mp.Shutdown)

	return nil
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the meter
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// Instruments returns the HTTP instruments
func (t *Telemetry) Instruments() *Instruments {
	return t.instruments
}

// Propagator returns the propagator
func (t *Telemetry) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// Shutdown flushes and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// RecordError records err on the span from ctx and marks it failed
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LogEvent logs msg with the trace and span IDs from ctx attached
func LogEvent(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, args ...any) {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		args = append(args,
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
		)
	}
	logger.Log(ctx, level, msg, args...)
}
