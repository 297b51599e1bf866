// Package management serves the orchestrator's JSON control plane.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"fleet/internal/config"
	"fleet/internal/core"
	"fleet/internal/metrics"
	"fleet/internal/middleware"
	"fleet/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const maxBodyBytes = 1 << 20

// Fleet is the orchestrator surface the API drives
type Fleet interface {
	core.Fleet
	Count() int
}

// Options configures the API
type Options struct {
	Fleet   Fleet
	Metrics config.Metrics
	// Gatherer backs the metrics endpoint; nil serves the default registry.
	Gatherer   prometheus.Gatherer
	Middleware []middleware.Middleware
	Logger     *slog.Logger
}

// API provides the control-plane endpoints
type API struct {
	fleet   Fleet
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAPI creates a new management API
func NewAPI(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		fleet:  opts.Fleet,
		logger: logger.With("component", "management-api"),
		mux:    http.NewServeMux(),
	}
	api.setupRoutes(opts)
	api.handler = middleware.Chain(opts.Middleware...)(api.mux)

	return api
}

// setupRoutes configures all control-plane endpoints
func (api *API) setupRoutes(opts Options) {
	api.mux.HandleFunc("/start", api.handleStart)
	api.mux.HandleFunc("/stop", api.handleStop)
	api.mux.HandleFunc("/scale", api.handleScale)
	api.mux.HandleFunc("/instances", api.handleInstances)
	api.mux.HandleFunc("/backends", api.handleBackends)
	api.mux.HandleFunc("/fault", api.handleFault)
	api.mux.HandleFunc("/healthz", api.handleHealth)

	if opts.Metrics.Enabled {
		path := opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		api.mux.Handle(path, metrics.Handler(opts.Gatherer))
	}
}

// Handler returns the API's root handler with middleware applied
func (api *API) Handler() http.Handler {
	return api.handler
}

// Start binds addr and serves the API in the background. Bind errors are
// returned synchronously.
func (api *API) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	api.mu.Lock()
	api.listener = ln
	api.server = &http.Server{
		Handler:           api.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := api.server
	api.mu.Unlock()

	go func() {
		api.logger.Info("Starting management API", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			api.logger.Error("Management API error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (api *API) Addr() string {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.listener == nil {
		return ""
	}
	return api.listener.Addr().String()
}

// Stop stops the management API server
func (api *API) Stop(ctx context.Context) error {
	api.mu.Lock()
	server := api.server
	api.mu.Unlock()
	if server == nil {
		return nil
	}

	api.logger.Info("Stopping management API")
	return server.Shutdown(ctx)
}

// Request and response bodies
type startRequest struct {
	Port *int `json:"port"`
}

type stopRequest struct {
	Port *int `json:"port"`
	PID  *int `json:"pid"`
}

type stopResponse struct {
	OK          bool `json:"ok"`
	StoppedPort int  `json:"stopped_port"`
}

type scaleRequest struct {
	Replicas *int `json:"replicas"`
}

type scaleResponse struct {
	OK bool `json:"ok"`
	*core.ScaleResult
}

type faultRequest struct {
	core.FaultSpec
	Ports []int `json:"ports"`
}

type faultResponse struct {
	OK      bool                        `json:"ok"`
	Results map[string]core.FaultResult `json:"results"`
}

type backendsResponse struct {
	Backends []string `json:"backends"`
}

type healthResponse struct {
	OK            bool `json:"ok"`
	InstanceCount int  `json:"instance_count"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// Handler implementations
func (api *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodPost) {
		return
	}

	var req startRequest
	if err := decodeBody(r, &req, true); err != nil {
		api.writeError(w, err)
		return
	}
	port := 0
	if req.Port != nil {
		port = *req.Port
	}

	res, err := api.fleet.Start(r.Context(), port)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, res)
}

func (api *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodPost) {
		return
	}

	var req stopRequest
	if err := decodeBody(r, &req, true); err != nil {
		api.writeError(w, err)
		return
	}

	var target core.StopTarget
	switch {
	case req.Port != nil:
		target.Port = *req.Port
	case req.PID != nil:
		target.PID = *req.PID
	}

	port, err := api.fleet.Stop(r.Context(), target)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, stopResponse{OK: true, StoppedPort: port})
}

func (api *API) handleScale(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodPost) {
		return
	}

	var req scaleRequest
	if err := decodeBody(r, &req, false); err != nil {
		api.writeError(w, err)
		return
	}
	if req.Replicas == nil {
		api.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "replicas is required"))
		return
	}

	res, err := api.fleet.Scale(r.Context(), *req.Replicas)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, scaleResponse{OK: true, ScaleResult: res})
}

func (api *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodGet) {
		return
	}
	api.writeJSON(w, http.StatusOK, api.fleet.Instances())
}

func (api *API) handleBackends(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodGet) {
		return
	}
	api.writeJSON(w, http.StatusOK, backendsResponse{Backends: api.fleet.Backends()})
}

func (api *API) handleFault(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodPost) {
		return
	}

	var req faultRequest
	if err := decodeBody(r, &req, false); err != nil {
		api.writeError(w, err)
		return
	}
	if req.Mode == "" {
		api.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "mode is required"))
		return
	}

	results := api.fleet.SetFault(r.Context(), req.FaultSpec, req.Ports)
	api.writeJSON(w, http.StatusOK, faultResponse{OK: true, Results: results})
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !api.allow(w, r, http.MethodGet) {
		return
	}
	api.writeJSON(w, http.StatusOK, healthResponse{OK: true, InstanceCount: api.fleet.Count()})
}

// Helper methods
func (api *API) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	api.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: errorBody{Type: "method_not_allowed", Message: "Method not allowed"},
	})
	return false
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF && allowEmpty {
			return nil
		}
		return errors.NewError(errors.ErrorTypeBadRequest, "invalid request body").WithCause(err)
	}
	return nil
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error("Failed to encode response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, err error) {
	status := errors.StatusCode(err)
	body := errorBody{Type: string(errors.TypeOf(err)), Message: errors.Message(err)}
	if status >= http.StatusInternalServerError {
		api.logger.Error("Request failed", "type", body.Type, "error", err)
	}
	api.writeJSON(w, status, errorResponse{Error: body})
}
