package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fleet
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Orchestrator metrics
	Instances       prometheus.Gauge
	StartsTotal     *prometheus.CounterVec
	StopsTotal      *prometheus.CounterVec
	ProbeDuration   *prometheus.HistogramVec
	ScaleOperations *prometheus.CounterVec
	PublishTotal    *prometheus.CounterVec
	FaultRelayTotal *prometheus.CounterVec

	// Router metrics
	Selections      *prometheus.CounterVec
	NoBackendsTotal prometheus.Counter
	RefreshTotal    *prometheus.CounterVec
	Backends        prometheus.Gauge
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"role", "method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "method", "path"},
		),

		Instances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_orchestrator_instances",
				Help: "Number of instances currently tracked by the registry",
			},
		),
		StartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_orchestrator_starts_total",
				Help: "Instance start attempts by outcome (ready, not_ready, failed)",
			},
			[]string{"outcome"},
		),
		StopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_orchestrator_stops_total",
				Help: "Instance stops by mode (graceful, forced)",
			},
			[]string{"mode"},
		),
		ProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_orchestrator_readiness_seconds",
				Help:    "Time from launch until the readiness wait finished",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"ready"},
		),
		ScaleOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_orchestrator_scale_operations_total",
				Help: "Scale batches by direction (up, down, none)",
			},
			[]string{"direction"},
		),
		PublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_discovery_publish_total",
				Help: "Discovery publishes by sink and result",
			},
			[]string{"sink", "result"},
		),
		FaultRelayTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_fault_relay_total",
				Help: "Fault relay deliveries by result",
			},
			[]string{"result"},
		),

		Selections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_router_selections_total",
				Help: "Backend selections per backend",
			},
			[]string{"backend"},
		),
		NoBackendsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_router_no_backends_total",
				Help: "Requests rejected because no backend was available",
			},
		),
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_router_refresh_total",
				Help: "Backend refresh attempts by result (updated, unchanged, failed)",
			},
			[]string{"result"},
		),
		Backends: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_router_backends",
				Help: "Size of the router's current backend list",
			},
		),
	}
}

// NormalizePath normalizes the path for metrics labels to avoid high cardinality
func NormalizePath(path string) string {
	const maxLength = 50
	if len(path) > maxLength {
		return path[:maxLength] + "..."
	}
	return path
}
