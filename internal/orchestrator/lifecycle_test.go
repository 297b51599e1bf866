package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleet/internal/config"
	"fleet/internal/core"
	"fleet/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAllocatesAscendingPorts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Start(ctx, 0)
	require.NoError(t, err)
	second, err := h.orch.Start(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 8001, first.Port)
	assert.Equal(t, 8002, second.Port)
	assert.True(t, first.Ready)
	assert.Equal(t, "http://127.0.0.1:8001", first.URL)
	assert.Equal(t, "inv1", first.Instance.Service)
	assert.Equal(t, "inv2", second.Instance.Service)

	assert.Equal(t, []string{"http://127.0.0.1:8001", "http://127.0.0.1:8002"}, h.orch.Backends())
	assert.Equal(t, 2, h.publisher.count(), "each start publishes")
	assert.Equal(t, []string{"localhost:8001", "localhost:8002"}, h.publisher.lastTargets())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Instances))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.StartsTotal.WithLabelValues("ready")))
}

func TestStartPassesEnvAndLogPath(t *testing.T) {
	h := newHarness(t, func(c *config.Orchestrator) { c.Exec.LogDir = "logs" })

	_, err := h.orch.Start(context.Background(), 8003)
	require.NoError(t, err)

	require.Len(t, h.launcher.specs, 1)
	spec := h.launcher.specs[0]
	assert.Equal(t, map[string]string{"PORT": "8003", "SERVICE": "inv3"}, spec.Env)
	assert.Equal(t, filepath.Join("logs", "inv_8003.log"), spec.LogPath)
}

func TestStartTwiceOnSamePortIsPortInUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, 8003)
	require.NoError(t, err)

	_, err = h.orch.Start(ctx, 8003)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPortInUse))
	assert.Equal(t, 409, errors.StatusCode(err))
	assert.Len(t, h.orch.Instances(), 1)
}

func TestStartRejectsForeignBoundPort(t *testing.T) {
	h := newHarness(t)
	h.bindForeign(8004)

	_, err := h.orch.Start(context.Background(), 8004)
	assert.True(t, errors.Is(err, errors.ErrPortInUse))
	assert.Empty(t, h.orch.Instances())
}

func TestStartAutoSkipsForeignBoundPort(t *testing.T) {
	h := newHarness(t)
	h.bindForeign(8001)

	res, err := h.orch.Start(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 8002, res.Port)
}

func TestStartOutOfRangeIsBadRequest(t *testing.T) {
	h := newHarness(t)

	for _, port := range []int{-1, 8000, 8006, 70000} {
		_, err := h.orch.Start(context.Background(), port)
		assert.True(t, errors.Is(err, errors.ErrBadRequest), "port %d: %v", port, err)
	}
}

func TestStartNoFreePorts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := h.orch.Start(ctx, 0)
		require.NoError(t, err)
	}

	_, err := h.orch.Start(ctx, 0)
	assert.True(t, errors.Is(err, errors.ErrNoFreePorts))
	assert.Equal(t, 503, errors.StatusCode(err))
}

func TestStartSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.launcher.fail = errLaunch

	_, err := h.orch.Start(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSpawnFailed))
	assert.Contains(t, err.Error(), "executable file not found")
	assert.Empty(t, h.orch.Instances())
	assert.Zero(t, h.publisher.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.StartsTotal.WithLabelValues("failed")))
}

func TestStartNotReadyKeepsInstance(t *testing.T) {
	h := newHarness(t)
	h.readiness.notReady[8001] = true

	res, err := h.orch.Start(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.Equal(t, 8001, res.Port)
	assert.Len(t, h.orch.Instances(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.StartsTotal.WithLabelValues("not_ready")))
}

func TestStartReplacesExitedInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, 8002)
	require.NoError(t, err)
	h.launcher.handle(8002).exit(1)

	insts := h.orch.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, "exited(1)", insts[0].Status)
	assert.Empty(t, h.orch.Backends())

	res, err := h.orch.Start(ctx, 8002)
	require.NoError(t, err)
	assert.Equal(t, 8002, res.Port)

	insts = h.orch.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, core.StatusRunning, insts[0].Status)
}

func TestStopUnknownIsNotFoundAndRegistryUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, 8001)
	require.NoError(t, err)
	before := h.orch.Instances()
	publishes := h.publisher.count()

	_, err = h.orch.Stop(ctx, core.StopTarget{Port: 8009})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = h.orch.Stop(ctx, core.StopTarget{PID: 424242})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	assert.Equal(t, before, h.orch.Instances())
	assert.Equal(t, publishes, h.publisher.count())
}

func TestStopRequiresTarget(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Stop(context.Background(), core.StopTarget{})
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestStopByPortAndPID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, 8001)
	require.NoError(t, err)
	second, err := h.orch.Start(ctx, 8002)
	require.NoError(t, err)

	port, err := h.orch.Stop(ctx, core.StopTarget{Port: 8001})
	require.NoError(t, err)
	assert.Equal(t, 8001, port)

	port, err = h.orch.Stop(ctx, core.StopTarget{PID: second.Instance.PID})
	require.NoError(t, err)
	assert.Equal(t, 8002, port)

	assert.Empty(t, h.orch.Instances())
	assert.Empty(t, h.publisher.lastTargets())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.StopsTotal.WithLabelValues("graceful")))
}

func TestStopForceKillsAfterGracePeriod(t *testing.T) {
	h := newHarness(t)
	h.launcher.ignoreTerm = true
	ctx := context.Background()
	_, err := h.orch.Start(ctx, 8001)
	require.NoError(t, err)

	start := time.Now()
	port, err := h.orch.Stop(ctx, core.StopTarget{Port: 8001})
	require.NoError(t, err)
	assert.Equal(t, 8001, port)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	hd := h.launcher.handle(8001)
	assert.False(t, hd.Alive())
	assert.Equal(t, -9, hd.ExitCode())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.StopsTotal.WithLabelValues("forced")))
}

func TestConcurrentStopOfSameInstance(t *testing.T) {
	h := newHarness(t)
	h.launcher.ignoreTerm = true
	ctx := context.Background()
	_, err := h.orch.Start(ctx, 8001)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ports := make([]int, 4)
	errs := make([]error, 4)
	for i := range ports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ports[i], errs[i] = h.orch.Stop(ctx, core.StopTarget{Port: 8001})
		}()
	}
	wg.Wait()

	for i := range ports {
		if errs[i] != nil {
			// A stop arriving after removal finds nothing.
			assert.True(t, errors.Is(errs[i], errors.ErrNotFound))
			continue
		}
		assert.Equal(t, 8001, ports[i])
	}
	assert.Equal(t, int32(1), h.launcher.handle(8001).terminations.Load(), "only one stop signals the process")
	assert.Empty(t, h.orch.Instances())
}

func TestStoppingInstanceIsNotAdvertised(t *testing.T) {
	h := newHarness(t, func(c *config.Orchestrator) { c.Stop.GracePeriodMs = 300 })
	h.launcher.ignoreTerm = true
	ctx := context.Background()
	_, err := h.orch.Start(ctx, 8001)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Stop(ctx, core.StopTarget{Port: 8001})
	}()

	assert.Eventually(t, func() bool { return len(h.orch.Backends()) == 0 }, time.Second, 5*time.Millisecond)
	_, err = h.orch.Start(ctx, 8001)
	assert.True(t, errors.Is(err, errors.ErrPortInUse), "port stays reserved while stopping")
	<-done
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.orch.Start(ctx, 0)
		require.NoError(t, err)
	}

	require.NoError(t, h.orch.Shutdown(ctx))

	assert.Empty(t, h.orch.Instances())
	assert.Empty(t, h.publisher.lastTargets())
	assert.True(t, h.publisher.closed)
	for _, p := range []int{8001, 8002, 8003} {
		assert.False(t, h.launcher.handle(p).Alive())
	}
}

func TestPublishFailureDoesNotFailStart(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errLaunch

	res, err := h.orch.Start(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, res.Ready)
}
