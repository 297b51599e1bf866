package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fleet/internal/core"
	"fleet/internal/health"
	"fleet/internal/process"
	"fleet/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// startRequest selects the port for a start. An explicit port is used as
// given or rejected; a preferred port is reallocated when no longer free.
type startRequest struct {
	port     int
	explicit bool
	exclude  map[int]bool
}

// Start launches an instance on port, or on the lowest free port when port
// is 0, waits for readiness and publishes discovery. An instance that fails
// its readiness wait stays registered and is reported with Ready false.
func (o *Orchestrator) Start(ctx context.Context, port int) (*core.StartResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start")
	defer span.End()

	res, err := o.start(ctx, startRequest{port: port, explicit: port != 0})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("fleet.port", res.Port), attribute.Bool("fleet.ready", res.Ready))

	o.Publish(ctx)
	return res, nil
}

// start launches and waits for readiness without publishing.
func (o *Orchestrator) start(ctx context.Context, req startRequest) (*core.StartResult, error) {
	o.mu.Lock()
	port, err := o.resolvePortLocked(req)
	if err != nil {
		o.mu.Unlock()
		o.countStart("failed")
		return nil, err
	}

	e, err := o.launchLocked(ctx, port)
	if err != nil {
		o.mu.Unlock()
		o.countStart("failed")
		o.logger.Error("Failed to launch instance", "port", port, "error", err)
		return nil, errors.NewError(errors.ErrorTypeSpawnFailed, fmt.Sprintf("failed to launch instance on port %d", port)).
			WithCause(err).
			WithDetail("port", port)
	}
	o.entries[port] = e
	o.updateGaugeLocked()
	o.mu.Unlock()

	o.logger.Info("Instance launched", "port", port, "pid", e.handle.PID(), "service", e.service)

	began := time.Now()
	ready := o.readiness.WaitReady(ctx, health.Target{Host: "127.0.0.1", Port: port}, health.WaitOptions{
		Interval: o.cfg.Probe.Interval(),
		Timeout:  o.cfg.Probe.Timeout(),
		Exited:   e.handle.Done(),
	})
	if o.metrics != nil {
		o.metrics.ProbeDuration.WithLabelValues(strconv.FormatBool(ready)).Observe(time.Since(began).Seconds())
	}

	if ready {
		o.countStart("ready")
		o.logger.Info("Instance ready", "port", port, "pid", e.handle.PID())
	} else {
		o.countStart("not_ready")
		o.logger.Warn("Instance did not become ready", "port", port, "pid", e.handle.PID(), "alive", e.alive())
	}

	o.mu.Lock()
	inst := o.snapshot(e)
	o.mu.Unlock()

	return &core.StartResult{
		Ready:    ready,
		Port:     port,
		URL:      o.urlFor(port),
		Instance: inst,
	}, nil
}

func (o *Orchestrator) resolvePortLocked(req startRequest) (int, error) {
	rng := o.ports.Range()

	if req.explicit {
		if !rng.Contains(req.port) {
			return 0, errors.NewError(errors.ErrorTypeBadRequest,
				fmt.Sprintf("port %d outside managed range %d-%d", req.port, rng.Base, rng.Max)).
				WithDetail("port", req.port)
		}
		if o.takenLocked(req.port) {
			return 0, errors.NewError(errors.ErrorTypePortInUse,
				fmt.Sprintf("instance already running on port %d", req.port)).
				WithDetail("port", req.port)
		}
		if o.ports.Busy(req.port) {
			return 0, errors.NewError(errors.ErrorTypePortInUse,
				fmt.Sprintf("port %d is bound by another process", req.port)).
				WithDetail("port", req.port)
		}
		o.dropStaleLocked(req.port)
		return req.port, nil
	}

	if req.port != 0 && rng.Contains(req.port) && !req.exclude[req.port] &&
		!o.takenLocked(req.port) && !o.ports.Busy(req.port) {
		o.dropStaleLocked(req.port)
		return req.port, nil
	}

	port, err := o.ports.Pick(o.takenLocked, req.exclude)
	if err != nil {
		return 0, err
	}
	if req.port != 0 {
		o.logger.Debug("Reallocated port", "wanted", req.port, "port", port)
	}
	o.dropStaleLocked(port)
	return port, nil
}

// dropStaleLocked forgets an exited entry that a new start replaces.
func (o *Orchestrator) dropStaleLocked(port int) {
	if e, ok := o.entries[port]; ok && !e.alive() {
		o.logger.Debug("Replacing exited instance", "port", port, "status", e.status())
		delete(o.entries, port)
	}
}

func (o *Orchestrator) launchLocked(ctx context.Context, port int) (*entry, error) {
	service := o.serviceName(port)
	h, err := o.launcher.Launch(ctx, process.Spec{
		Port:    port,
		Service: service,
		LogPath: o.logPath(port),
		Env: map[string]string{
			"PORT":    strconv.Itoa(port),
			"SERVICE": service,
		},
	})
	if err != nil {
		return nil, err
	}
	return &entry{
		port:      port,
		service:   service,
		startedAt: o.now(),
		handle:    h,
	}, nil
}

func (o *Orchestrator) logPath(port int) string {
	if o.cfg.Exec.LogDir == "" {
		return ""
	}
	return process.LogPathFor(o.cfg.Exec.LogDir, o.cfg.ServicePrefix, port)
}

// Stop gracefully stops the instance matching target and publishes
// discovery. It returns the stopped port.
func (o *Orchestrator) Stop(ctx context.Context, target core.StopTarget) (int, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stop")
	defer span.End()

	port, err := o.stop(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("fleet.port", port))

	o.Publish(ctx)
	return port, nil
}

// stop terminates and deregisters without publishing. A stop issued while
// another stop of the same entry is in flight waits for it.
func (o *Orchestrator) stop(ctx context.Context, target core.StopTarget) (int, error) {
	if target.Port == 0 && target.PID == 0 {
		return 0, errors.NewError(errors.ErrorTypeBadRequest, "either port or pid is required")
	}

	o.mu.Lock()
	e := o.findLocked(target)
	if e == nil {
		o.mu.Unlock()
		return 0, errors.NewError(errors.ErrorTypeNotFound, "instance not found").
			WithDetail("port", target.Port).
			WithDetail("pid", target.PID)
	}
	if e.stopDone != nil {
		done := e.stopDone
		o.mu.Unlock()
		select {
		case <-done:
			return e.port, nil
		case <-ctx.Done():
			return 0, errors.NewError(errors.ErrorTypeTimeout, "waiting for in-flight stop").WithCause(ctx.Err())
		}
	}
	e.stopDone = make(chan struct{})
	o.mu.Unlock()

	mode := o.terminate(e)

	o.mu.Lock()
	if o.entries[e.port] == e {
		delete(o.entries, e.port)
	}
	o.updateGaugeLocked()
	o.mu.Unlock()
	close(e.stopDone)

	if o.metrics != nil {
		o.metrics.StopsTotal.WithLabelValues(mode).Inc()
	}
	o.logger.Info("Instance stopped", "port", e.port, "pid", e.handle.PID(), "mode", mode)
	return e.port, nil
}

// terminate signals the process, waits out the grace period and then
// force-kills. It always returns; a process that survives the kill wait is
// logged and abandoned.
func (o *Orchestrator) terminate(e *entry) string {
	h := e.handle
	if err := h.Terminate(); err != nil {
		o.logger.Debug("Terminate signal failed", "port", e.port, "error", err)
	}

	grace := time.NewTimer(time.Duration(o.cfg.Stop.GracePeriodMs) * time.Millisecond)
	defer grace.Stop()
	select {
	case <-h.Done():
		return "graceful"
	case <-grace.C:
	}

	o.logger.Warn("Instance ignored terminate, killing", "port", e.port, "pid", h.PID())
	if err := h.Kill(); err != nil {
		o.logger.Debug("Kill signal failed", "port", e.port, "error", err)
	}

	wait := time.NewTimer(time.Duration(o.cfg.Stop.KillWaitMs) * time.Millisecond)
	defer wait.Stop()
	select {
	case <-h.Done():
	case <-wait.C:
		o.logger.Error("Instance did not exit after kill", "port", e.port, "pid", h.PID())
	}
	return "forced"
}

// Shutdown stops every instance concurrently, publishes the empty record
// and closes the publisher.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ports := o.sortedPortsLocked()
	o.mu.Unlock()

	o.logger.Info("Stopping fleet", "instances", len(ports))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range ports {
		g.Go(func() error {
			if _, err := o.stop(gctx, core.StopTarget{Port: p}); err != nil && !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			return nil
		})
	}
	stopErr := g.Wait()

	o.Publish(ctx)

	if o.publisher != nil {
		if err := o.publisher.Close(); err != nil {
			return errors.Wrap(err, "close discovery publisher")
		}
	}
	return stopErr
}

func (o *Orchestrator) countStart(outcome string) {
	if o.metrics != nil {
		o.metrics.StartsTotal.WithLabelValues(outcome).Inc()
	}
}
