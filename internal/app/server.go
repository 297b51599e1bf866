// Package app assembles and runs the orchestrator and router roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	httpAdapter "fleet/internal/adapter/http"
	"fleet/internal/config"
	"fleet/internal/management"
	"fleet/internal/orchestrator"
	"fleet/internal/router"
	"fleet/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// OrchestratorServer runs the control plane and owns the fleet
type OrchestratorServer struct {
	config    config.Orchestrator
	orch      *orchestrator.Orchestrator
	api       *management.API
	telemetry *telemetry.Telemetry
	closers   []io.Closer
	logger    *slog.Logger
}

// Orchestrator returns the managed orchestrator
func (s *OrchestratorServer) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// Addr returns the control plane's bound address
func (s *OrchestratorServer) Addr() string {
	return s.api.Addr()
}

// Start publishes the initial (empty) discovery record and starts the
// control plane. It returns once the listener is bound.
func (s *OrchestratorServer) Start(ctx context.Context) error {
	s.orch.Publish(ctx)

	if err := s.api.Start(s.config.Listen.Addr()); err != nil {
		return fmt.Errorf("control plane: %w", err)
	}

	s.logger.Info("Orchestrator started", "address", s.api.Addr())
	return nil
}

// Stop stops accepting control-plane requests, then stops every instance
// and releases the runtime.
func (s *OrchestratorServer) Stop(ctx context.Context) error {
	var errs []error
	if err := s.api.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping control plane: %w", err))
	}
	if err := s.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping fleet: %w", err))
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("Telemetry shutdown failed", "error", err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("Orchestrator stopped successfully")
	return nil
}

// RouterServer runs the frontend and the backend refresher
type RouterServer struct {
	balancer  *router.RoundRobin
	refresher *router.Refresher
	adapter   *httpAdapter.Adapter
	watcher   *config.Watcher
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
}

// Balancer returns the router's balancer
func (s *RouterServer) Balancer() *router.RoundRobin {
	return s.balancer
}

// Addr returns the frontend's bound address
func (s *RouterServer) Addr() string {
	return s.adapter.Addr()
}

// Start starts the refresher, the frontend and the config watcher
func (s *RouterServer) Start(ctx context.Context) error {
	if err := s.adapter.Start(ctx); err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	s.refresher.Start(ctx)
	if s.watcher != nil {
		s.watcher.Start()
	}

	s.logger.Info("Router started", "address", s.adapter.Addr())
	return nil
}

// Stop stops the frontend, the refresher and the watcher concurrently
func (s *RouterServer) Stop(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := s.adapter.Stop(ctx); err != nil {
			return fmt.Errorf("stopping HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.refresher.Stop()
		return nil
	})
	if s.watcher != nil {
		g.Go(s.watcher.Stop)
	}
	err := g.Wait()

	if terr := s.telemetry.Shutdown(ctx); terr != nil {
		s.logger.Warn("Telemetry shutdown failed", "error", terr)
	}
	if err != nil {
		return err
	}

	s.logger.Info("Router stopped successfully")
	return nil
}
