// Package http is the router's inbound HTTP frontend. Every request other
// than the health and metrics endpoints is forwarded to the backend picked
// by the balancer.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"fleet/internal/core"
	"fleet/internal/middleware"
	"fleet/internal/telemetry"
	"fleet/pkg/errors"
	"fleet/pkg/requestid"
)

// Response headers naming the chosen backends
const (
	HeaderBackend   = "X-Fleet-Backend"
	HeaderAlternate = "X-Fleet-Alternate"
)

// Balancer selects backends and reports the current list
type Balancer interface {
	core.Selector
	Backends() []string
}

type targetKey struct{}

// Adapter handles HTTP requests
type Adapter struct {
	config         Config
	balancer       Balancer
	proxy          *httputil.ReverseProxy
	metricsHandler http.Handler
	middleware     []middleware.Middleware
	reqNum         atomic.Uint64
	logger         *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new HTTP adapter
func New(cfg Config, balancer Balancer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	a := &Adapter{
		config:   cfg,
		balancer: balancer,
		logger:   logger.With("component", "http"),
	}
	a.proxy = &httputil.ReverseProxy{
		Rewrite:      a.rewrite,
		ErrorHandler: a.proxyError,
	}
	return a
}

// WithMetricsHandler sets the metrics handler
func (a *Adapter) WithMetricsHandler(handler http.Handler) *Adapter {
	a.metricsHandler = handler
	return a
}

// WithMiddleware adds middleware around the adapter, outermost first
func (a *Adapter) WithMiddleware(mw ...middleware.Middleware) *Adapter {
	a.middleware = append(a.middleware, mw...)
	return a
}

// WithTransport overrides the transport used to reach backends
func (a *Adapter) WithTransport(rt http.RoundTripper) *Adapter {
	a.proxy.Transport = rt
	return a
}

// Handler returns the adapter with its middleware applied
func (a *Adapter) Handler() http.Handler {
	return middleware.Chain(a.middleware...)(a)
}

// ServeHTTP implements http.Handler
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == a.config.HealthPath && r.Method == http.MethodGet:
		a.handleHealth(w, r)
	case a.metricsHandler != nil && r.URL.Path == a.config.MetricsPath:
		a.metricsHandler.ServeHTTP(w, r)
	default:
		a.forward(w, r)
	}
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"backends": a.balancer.Backends(),
	})
}

func (a *Adapter) forward(w http.ResponseWriter, r *http.Request) {
	a.reqNum.Add(1)

	sel, err := a.balancer.Select()
	if err != nil {
		a.writeError(w, err)
		return
	}
	target, err := url.Parse(sel.Primary)
	if err != nil || target.Host == "" {
		a.writeError(w, errors.NewError(errors.ErrorTypeInternal, "invalid backend url").
			WithCause(err).
			WithDetail("backend", sel.Primary))
		return
	}

	w.Header().Set(HeaderBackend, sel.Primary)
	if sel.Alternate != "" {
		w.Header().Set(HeaderAlternate, sel.Alternate)
	}

	ctx := context.WithValue(r.Context(), targetKey{}, target)
	a.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (a *Adapter) rewrite(pr *httputil.ProxyRequest) {
	target := pr.In.Context().Value(targetKey{}).(*url.URL)
	pr.SetURL(target)
	pr.SetXForwarded()

	id := requestid.FromContext(pr.In.Context())
	if id == "" {
		id = requestid.FromRequest(pr.In)
	}
	pr.Out.Header.Set(requestid.Header, id)
	telemetry.InjectHTTPHeaders(pr.Out.Context(), pr.Out.Header)
}

func (a *Adapter) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	backend := w.Header().Get(HeaderBackend)
	if r.Context().Err() != nil {
		a.logger.Debug("client went away", "backend", backend, "error", err)
	} else {
		a.logger.Warn("backend unreachable", "backend", backend, "error", err)
	}
	a.writeError(w, errors.NewError(errors.ErrorTypeUpstreamUnreachable, "backend unreachable").
		WithCause(err).
		WithDetail("backend", backend))
}

// Start binds the listener and serves in the background
func (a *Adapter) Start(ctx context.Context) error {
	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))

	// Create listener to detect bind errors early
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	a.mu.Lock()
	a.server = server
	a.listener = listener
	a.mu.Unlock()

	a.logger.Info("starting server", "addr", listener.Addr().String())
	go func() {
		err := server.Serve(listener)
		if err != http.ErrServerClosed {
			a.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop gracefully stops the server
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()
	if server == nil {
		return nil
	}

	a.logger.Info("stopping server", "requests", a.reqNum.Load())
	return server.Shutdown(ctx)
}

func (a *Adapter) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *Adapter) writeError(w http.ResponseWriter, err error) {
	a.writeJSON(w, errors.StatusCode(err), map[string]any{
		"error": map[string]string{
			"type":    string(errors.TypeOf(err)),
			"message": errors.Message(err),
		},
	})
}
