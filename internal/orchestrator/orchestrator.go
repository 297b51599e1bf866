// Package orchestrator owns the fleet of backend instances on this host:
// it places them on ports, starts, stops and scales them, relays faults to
// them and publishes the running set for discovery.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fleet/internal/config"
	"fleet/internal/discovery"
	"fleet/internal/health"
	"fleet/internal/process"
	"fleet/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Readiness waits for an instance to become ready.
type Readiness interface {
	WaitReady(ctx context.Context, target health.Target, opts health.WaitOptions) bool
}

// Options wires an Orchestrator's collaborators.
type Options struct {
	Config    config.Orchestrator
	Launcher  process.Launcher
	Readiness Readiness
	Publisher discovery.Publisher
	// PortProbe overrides the TCP connect probe used by the allocator.
	PortProbe PortProbe
	// FaultClient sends fault relays; defaults to an http.Client without a
	// global timeout, since each relay carries its own deadline.
	FaultClient *http.Client
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Orchestrator manages the instance registry. All registry state is guarded
// by mu; mu is never held across readiness waits, stop waits or outbound
// HTTP.
type Orchestrator struct {
	cfg       config.Orchestrator
	ports     *Allocator
	launcher  process.Launcher
	readiness Readiness
	publisher discovery.Publisher
	client    *http.Client
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[int]*entry
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("fleet/orchestrator")
	}
	client := opts.FaultClient
	if client == nil {
		client = &http.Client{}
	}

	return &Orchestrator{
		cfg:       opts.Config,
		ports:     NewAllocator(opts.Config.Ports, opts.PortProbe),
		launcher:  opts.Launcher,
		readiness: opts.Readiness,
		publisher: opts.Publisher,
		client:    client,
		metrics:   opts.Metrics,
		tracer:    tracer,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
		entries:   make(map[int]*entry),
	}
}

// Publish writes the current running set to the discovery publisher.
// Failures are logged and counted by the publisher, never returned.
func (o *Orchestrator) Publish(ctx context.Context) {
	o.mu.Lock()
	ports := o.servingPortsLocked()
	o.mu.Unlock()

	if o.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	records := discovery.BuildRecords(o.cfg.Discovery.Job, o.cfg.Discovery.Host, ports)
	if err := o.publisher.Publish(ctx, records); err != nil {
		o.logger.Warn("Discovery record not fully published", "targets", len(ports), "error", err)
		return
	}
	o.logger.Debug("Discovery record published", "targets", len(ports))
}
