package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"fleet/internal/config"
	"fleet/internal/discovery"
	"fleet/internal/health"
	"fleet/internal/process"
	"fleet/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeHandle struct {
	pid          int
	ignoreTerm   bool
	mu           sync.Mutex
	exited       bool
	code         int
	done         chan struct{}
	terminations atomic.Int32
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.code = code
	close(h.done)
}

func (h *fakeHandle) Terminate() error {
	h.terminations.Add(1)
	if !h.ignoreTerm {
		h.exit(-15)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit(-9)
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	handles    map[int]*fakeHandle
	specs      []process.Spec
	fail       error
	ignoreTerm bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, handles: make(map[int]*fakeHandle)}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPID++
	h := newFakeHandle(l.nextPID)
	h.ignoreTerm = l.ignoreTerm
	l.handles[spec.Port] = h
	l.specs = append(l.specs, spec)
	return h, nil
}

func (l *fakeLauncher) handle(port int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[port]
}

type fakeReadiness struct {
	notReady map[int]bool
}

func (r *fakeReadiness) WaitReady(ctx context.Context, target health.Target, opts health.WaitOptions) bool {
	return !r.notReady[target.Port]
}

type fakePublisher struct {
	mu      sync.Mutex
	records [][]discovery.Record
	closed  bool
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, records []discovery.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records)
	return p.err
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *fakePublisher) lastTargets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) == 0 {
		return nil
	}
	return p.records[len(p.records)-1][0].Targets
}

type harness struct {
	orch      *Orchestrator
	launcher  *fakeLauncher
	readiness *fakeReadiness
	publisher *fakePublisher
	foreign   map[int]bool
	foreignMu sync.Mutex
	metrics   *metrics.Metrics
}

func testConfig() config.Orchestrator {
	return config.Orchestrator{
		Ports:         config.PortRange{Base: 8001, Max: 8005},
		Probe:         config.Probe{Type: "http", Path: "/healthz", IntervalMs: 5, TimeoutMs: 50},
		Stop:          config.Stop{GracePeriodMs: 50, KillWaitMs: 50},
		Discovery:     config.Discovery{Job: "inventory", Host: "localhost"},
		Fault:         config.Fault{TimeoutMs: 500, DefaultTargets: FaultTargetsExited},
		ServicePrefix: "inv",
		PublicHost:    "127.0.0.1",
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Orchestrator)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		launcher:  newFakeLauncher(),
		readiness: &fakeReadiness{notReady: map[int]bool{}},
		publisher: &fakePublisher{},
		foreign:   map[int]bool{},
		metrics:   metrics.NewWithRegistry(prometheus.NewRegistry()),
	}
	h.orch = New(Options{
		Config:    cfg,
		Launcher:  h.launcher,
		Readiness: h.readiness,
		Publisher: h.publisher,
		PortProbe: func(port int) bool {
			h.foreignMu.Lock()
			defer h.foreignMu.Unlock()
			return h.foreign[port]
		},
		Metrics: h.metrics,
		Logger:  slog.Default(),
	})
	return h
}

func (h *harness) bindForeign(port int) {
	h.foreignMu.Lock()
	defer h.foreignMu.Unlock()
	h.foreign[port] = true
}

var errLaunch = errors.New("exec: \"uvicorn\": executable file not found in $PATH")
