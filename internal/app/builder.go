package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	httpAdapter "fleet/internal/adapter/http"
	"fleet/internal/config"
	"fleet/internal/discovery"
	"fleet/internal/health"
	"fleet/internal/management"
	"fleet/internal/metrics"
	"fleet/internal/middleware"
	"fleet/internal/orchestrator"
	"fleet/internal/process"
	"fleet/internal/router"
	"fleet/internal/telemetry"
	pkgmetrics "fleet/pkg/metrics"
	"fleet/pkg/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Runtimes an orchestrator can launch instances with
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// Builder builds the fleet servers
type Builder struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	registry   *prometheus.Registry

	// launcher overrides runtime selection; used by tests
	launcher process.Launcher
}

// NewBuilder creates a new application builder
func NewBuilder(cfg *config.Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		config: cfg,
		logger: logger,
	}
}

// WithConfigPath sets the config file the router watches for fallback
// backend changes. Empty disables watching.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithRegistry sets the Prometheus registry metrics are registered on
func (b *Builder) WithRegistry(reg *prometheus.Registry) *Builder {
	b.registry = reg
	return b
}

// WithLauncher bypasses runtime selection
func (b *Builder) WithLauncher(l process.Launcher) *Builder {
	b.launcher = l
	return b
}

func (b *Builder) metricsRegistry() *prometheus.Registry {
	if b.registry == nil {
		b.registry = prometheus.NewRegistry()
		b.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return b.registry
}

func (b *Builder) telemetry() (*telemetry.Telemetry, error) {
	opts := telemetry.Options{Config: b.config.Telemetry}
	if b.config.Metrics.Enabled {
		opts.Registerer = b.metricsRegistry()
	}
	tel, err := telemetry.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}
	return tel, nil
}

// httpMiddleware returns the middleware shared by both roles, outermost
// first
func (b *Builder) httpMiddleware(role string, m *pkgmetrics.Metrics, tel *telemetry.Telemetry) []middleware.Middleware {
	logger := b.logger.With("component", role+"-http")
	return []middleware.Middleware{
		requestid.Middleware,
		middleware.DefaultRecovery(logger),
		tel.HTTPMiddleware(role),
		middleware.Metrics(m, role),
		middleware.Logging(logger),
	}
}

// BuildOrchestrator constructs the orchestrator role
func (b *Builder) BuildOrchestrator() (*OrchestratorServer, error) {
	cfg := b.config.Orchestrator
	reg := b.metricsRegistry()
	m := pkgmetrics.NewWithRegistry(reg)

	tel, err := b.telemetry()
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	launcher := b.launcher
	if launcher == nil {
		launcher, closers, err = b.createLauncher(cfg)
		if err != nil {
			return nil, err
		}
	}

	checker, err := health.NewChecker(cfg.Probe)
	if err != nil {
		return nil, fmt.Errorf("creating readiness checker: %w", err)
	}

	publisher := b.createPublisher(cfg.Discovery, m)
	closers = append(closers, publisher)

	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Launcher:  launcher,
		Readiness: health.NewProber(checker, b.logger),
		Publisher: publisher,
		Metrics:   m,
		Tracer:    tel.Tracer(),
		Logger:    b.logger,
	})

	api := management.NewAPI(management.Options{
		Fleet:      orch,
		Metrics:    b.config.Metrics,
		Gatherer:   reg,
		Middleware: b.httpMiddleware("orchestrator", m, tel),
		Logger:     b.logger,
	})

	b.logger.Info("Orchestrator built",
		"runtime", cfg.Runtime,
		"ports", fmt.Sprintf("%d-%d", cfg.Ports.Base, cfg.Ports.Max),
		"probe", cfg.Probe.Type,
		"discovery_file", cfg.Discovery.File,
		"redis", cfg.Discovery.Redis.Enabled,
	)

	return &OrchestratorServer{
		config:    cfg,
		orch:      orch,
		api:       api,
		telemetry: tel,
		closers:   closers,
		logger:    b.logger.With("component", "orchestrator-server"),
	}, nil
}

func (b *Builder) createLauncher(cfg config.Orchestrator) (process.Launcher, []io.Closer, error) {
	switch cfg.Runtime {
	case "", RuntimeExec:
		return process.NewExecLauncher(cfg.Exec, b.logger), nil, nil
	case RuntimeDocker:
		cli, err := process.NewDockerClient(cfg.Docker)
		if err != nil {
			return nil, nil, fmt.Errorf("creating docker client: %w", err)
		}
		return process.NewDockerLauncher(cli, cfg.Docker, b.logger), []io.Closer{cli}, nil
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}

func (b *Builder) createPublisher(cfg config.Discovery, m *pkgmetrics.Metrics) *discovery.Multi {
	var sinks []discovery.Sink
	if cfg.File != "" {
		sinks = append(sinks, discovery.NewFileSink(cfg.File))
	}
	if cfg.Redis.Enabled {
		sinks = append(sinks, discovery.NewRedisSink(discovery.NewRedisClient(cfg.Redis), cfg.Redis.Key, cfg.Redis.Channel))
	}
	if len(sinks) == 0 {
		b.logger.Warn("No discovery sinks configured")
	}
	return discovery.NewMulti(m, b.logger, sinks...)
}

// BuildRouter constructs the router role
func (b *Builder) BuildRouter() (*RouterServer, error) {
	cfg := b.config.Router
	reg := b.metricsRegistry()
	m := pkgmetrics.NewWithRegistry(reg)

	tel, err := b.telemetry()
	if err != nil {
		return nil, err
	}

	rr := router.NewRoundRobin(cfg.Backends, m)
	refresher := router.NewRefresher(
		router.NewHTTPSource(cfg.OrchestratorURL, cfg.RequestTimeout()),
		rr, cfg.RefreshInterval(), m, b.logger,
	)

	adapterCfg := httpAdapter.DefaultConfig()
	adapterCfg.Host = cfg.Listen.Host
	adapterCfg.Port = cfg.Listen.Port
	adapterCfg.MetricsPath = b.config.Metrics.Path

	adapter := httpAdapter.New(adapterCfg, rr, b.logger).
		WithMiddleware(b.httpMiddleware("router", m, tel)...)
	if b.config.Metrics.Enabled {
		adapter.WithMetricsHandler(metrics.Handler(reg))
	}

	server := &RouterServer{
		balancer:  rr,
		refresher: refresher,
		adapter:   adapter,
		telemetry: tel,
		logger:    b.logger.With("component", "router-server"),
	}

	if b.configPath != "" {
		if _, err := os.Stat(b.configPath); err == nil {
			watcher, err := config.NewWatcher(b.configPath, &config.WatcherConfig{
				OnChange: func(c *config.Config) error {
					refresher.SetFallback(c.Router.Backends)
					return nil
				},
			}, b.logger)
			if err != nil {
				return nil, fmt.Errorf("creating config watcher: %w", err)
			}
			server.watcher = watcher
		}
	}

	b.logger.Info("Router built",
		"orchestrator", cfg.OrchestratorURL,
		"refresh_interval", cfg.RefreshInterval(),
		"fallback_backends", rr.Backends(),
	)

	return server, nil
}
