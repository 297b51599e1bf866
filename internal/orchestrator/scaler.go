package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"fleet/internal/core"
	"fleet/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Scale starts or stops instances until desired are running. Starts run
// concurrently on distinct pre-allocated ports; stops take the highest
// ports first. Individual failures are recorded in the result and never
// abort the batch. Discovery is published once, after the batch.
func (o *Orchestrator) Scale(ctx context.Context, desired int) (*core.ScaleResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scale")
	defer span.End()
	span.SetAttributes(attribute.Int("fleet.replicas", desired))

	capacity := o.ports.Range().Capacity()
	if desired < 0 {
		return nil, errors.NewError(errors.ErrorTypeBadRequest, "replicas must be non-negative").
			WithDetail("replicas", desired)
	}
	if desired > capacity {
		return nil, errors.NewError(errors.ErrorTypeCapacityExceeded,
			fmt.Sprintf("replicas exceed port range capacity (%d-%d)", o.cfg.Ports.Base, o.cfg.Ports.Max)).
			WithDetail("replicas", desired).
			WithDetail("capacity", capacity)
	}

	result := &core.ScaleResult{
		Started:  []int{},
		Stopped:  []int{},
		Failures: []core.Failure{},
		Replicas: desired,
	}

	o.mu.Lock()
	running := o.servingPortsLocked()
	var (
		candidates []int
		toStop     []int
	)
	switch {
	case desired > len(running):
		reserved := make(map[int]bool)
		for i := len(running); i < desired; i++ {
			p, err := o.ports.Pick(o.takenLocked, reserved)
			if err != nil {
				result.Failures = append(result.Failures, core.Failure{Op: "start", Error: err.Error()})
				continue
			}
			reserved[p] = true
			candidates = append(candidates, p)
		}
	case desired < len(running):
		toStop = slices.Clone(running)
		slices.Reverse(toStop)
		toStop = toStop[:len(running)-desired]
	}
	o.mu.Unlock()

	direction := "none"
	switch {
	case len(candidates) > 0 || len(result.Failures) > 0:
		direction = "up"
	case len(toStop) > 0:
		direction = "down"
	}
	o.logger.Info("Scaling fleet",
		"replicas", desired,
		"running", len(running),
		"to_start", candidates,
		"to_stop", toStop,
	)

	o.scaleUp(ctx, candidates, result)
	o.scaleDown(ctx, toStop, result)

	if o.metrics != nil {
		o.metrics.ScaleOperations.WithLabelValues(direction).Inc()
	}

	o.Publish(ctx)
	return result, nil
}

func (o *Orchestrator) scaleUp(ctx context.Context, candidates []int, result *core.ScaleResult) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range candidates {
		// Other candidates stay reserved so a reallocation cannot take them.
		exclude := make(map[int]bool, len(candidates))
		for _, other := range candidates {
			if other != c {
				exclude[other] = true
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.start(ctx, startRequest{port: c, exclude: exclude})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, core.Failure{Op: "start", Port: c, Error: err.Error()})
				return
			}
			result.Started = append(result.Started, res.Port)
		}()
	}
	wg.Wait()

	slices.Sort(result.Started)
	slices.SortStableFunc(result.Failures, func(a, b core.Failure) int { return a.Port - b.Port })
}

func (o *Orchestrator) scaleDown(ctx context.Context, toStop []int, result *core.ScaleResult) {
	for _, p := range toStop {
		port, err := o.stop(ctx, core.StopTarget{Port: p})
		if err != nil {
			result.Failures = append(result.Failures, core.Failure{Op: "stop", Port: p, Error: err.Error()})
			continue
		}
		result.Stopped = append(result.Stopped, port)
	}
}
