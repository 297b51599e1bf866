package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Instruments holds the OpenTelemetry HTTP server instruments
type Instruments struct {
	requestDuration metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
}

// NewInstruments creates the HTTP instruments on meter
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		i   Instruments
		err error
	)

	i.requestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP server requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request duration histogram: %w", err)
	}

	i.activeRequests, err = meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP server requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active requests counter: %w", err)
	}

	return &i, nil
}

// RecordActive adjusts the in-flight request count
func (i *Instruments) RecordActive(ctx context.Context, role string, delta int64) {
	if i == nil {
		return
	}
	i.activeRequests.Add(ctx, delta, metric.WithAttributes(attribute.String("fleet.role", role)))
}

// RecordRequest records one completed request
func (i *Instruments) RecordRequest(ctx context.Context, role, method string, status int, duration time.Duration) {
	if i == nil {
		return
	}
	i.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("fleet.role", role),
		semconv.HTTPRequestMethodKey.String(method),
		semconv.HTTPResponseStatusCode(status),
	))
}
