package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"fleet/internal/config"
	"fleet/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func faultServer(t *testing.T) (port int, bodies func() []map[string]any) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/faults" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	return srv.Listener.Addr().(*net.TCPAddr).Port, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), got...)
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestSetFaultRelaysToExplicitPorts(t *testing.T) {
	h := newHarness(t)
	port, bodies := faultServer(t)
	dead := closedPort(t)

	latency := 250
	results := h.orch.SetFault(context.Background(), core.FaultSpec{Mode: "latency", LatencyMs: &latency}, []int{port, dead})

	require.Len(t, results, 2)
	assert.Equal(t, core.FaultResult{Status: http.StatusAccepted}, results[strconv.Itoa(port)])
	assert.NotEmpty(t, results[strconv.Itoa(dead)].Error)
	assert.Zero(t, results[strconv.Itoa(dead)].Status)

	got := bodies()
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"mode": "latency", "latency_ms": float64(250)}, got[0], "nil fields and ports are omitted")
}

func TestSetFaultDefaultTargetsExitedInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Scale(ctx, 3)
	require.NoError(t, err)
	h.launcher.handle(8002).exit(1)

	results := h.orch.SetFault(ctx, core.FaultSpec{Mode: "error"}, nil)

	require.Len(t, results, 1)
	_, ok := results["8002"]
	assert.True(t, ok)
}

func TestSetFaultDefaultTargetsRunningWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *config.Orchestrator) { c.Fault.DefaultTargets = FaultTargetsRunning })
	ctx := context.Background()
	_, err := h.orch.Scale(ctx, 3)
	require.NoError(t, err)
	h.launcher.handle(8002).exit(1)

	results := h.orch.SetFault(ctx, core.FaultSpec{Mode: "cpu"}, nil)

	assert.Len(t, results, 2)
	assert.Contains(t, results, "8001")
	assert.Contains(t, results, "8003")
}

func TestSetFaultWithNoTargets(t *testing.T) {
	h := newHarness(t)
	results := h.orch.SetFault(context.Background(), core.FaultSpec{Mode: "error"}, nil)
	assert.Empty(t, results)
	assert.NotNil(t, results)
}
