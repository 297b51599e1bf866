package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fleet/internal/core"
	"fleet/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Fault target policies for requests that name no ports.
const (
	FaultTargetsExited  = "exited"
	FaultTargetsRunning = "running"
)

// SetFault relays spec to each target's /faults endpoint concurrently.
// With no ports given, targets are chosen by the configured default policy.
// Results are keyed by port.
func (o *Orchestrator) SetFault(ctx context.Context, spec core.FaultSpec, ports []int) map[string]core.FaultResult {
	ctx, span := o.tracer.Start(ctx, "orchestrator.fault")
	defer span.End()

	targets := ports
	if len(targets) == 0 {
		targets = o.defaultFaultTargets()
	}
	span.SetAttributes(attribute.Int("fleet.fault.targets", len(targets)), attribute.String("fleet.fault.mode", spec.Mode))

	results := make(map[string]core.FaultResult, len(targets))
	payload, err := json.Marshal(spec)
	if err != nil {
		for _, p := range targets {
			results[strconv.Itoa(p)] = core.FaultResult{Error: err.Error()}
		}
		return results
	}

	timeout := time.Duration(o.cfg.Fault.TimeoutMs) * time.Millisecond
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.relayFault(ctx, p, payload, timeout)

			mu.Lock()
			results[strconv.Itoa(p)] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	o.logger.Info("Fault relayed", "mode", spec.Mode, "targets", targets)
	return results
}

func (o *Orchestrator) defaultFaultTargets() []int {
	o.mu.Lock()
	defer o.mu.Unlock()

	wantAlive := o.cfg.Fault.DefaultTargets == FaultTargetsRunning
	var targets []int
	for _, p := range o.sortedPortsLocked() {
		if o.entries[p].alive() == wantAlive {
			targets = append(targets, p)
		}
	}
	return targets
}

func (o *Orchestrator) relayFault(ctx context.Context, port int, payload []byte, timeout time.Duration) core.FaultResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/faults", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return o.faultFailed(port, err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHTTPHeaders(ctx, req.Header)

	resp, err := o.client.Do(req)
	if err != nil {
		return o.faultFailed(port, err)
	}
	resp.Body.Close()

	if o.metrics != nil {
		o.metrics.FaultRelayTotal.WithLabelValues("ok").Inc()
	}
	return core.FaultResult{Status: resp.StatusCode}
}

func (o *Orchestrator) faultFailed(port int, err error) core.FaultResult {
	o.logger.Debug("Fault relay failed", "port", port, "error", err)
	if o.metrics != nil {
		o.metrics.FaultRelayTotal.WithLabelValues("error").Inc()
	}
	return core.FaultResult{Error: err.Error()}
}
