package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleet/pkg/metrics"
)

// Refresher periodically pulls the backend list from a Source into a
// RoundRobin. A failed or empty fetch leaves the current list untouched.
type Refresher struct {
	source   Source
	target   *RoundRobin
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// synced is set once an orchestrator list has been applied and is never
	// cleared; later failures keep that list.
	synced atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates a refresher polling source every interval
func NewRefresher(source Source, target *RoundRobin, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Refresher{
		source:   source,
		target:   target,
		interval: interval,
		metrics:  m,
		logger:   logger.With("component", "refresher"),
	}
}

// Start runs an initial refresh followed by one per interval until ctx is
// cancelled or Stop is called. Calling Start twice is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.Info("Backend refresher started", "interval", r.interval)
}

// Stop cancels the loop and waits for it to exit
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh performs one fetch and applies the result
func (r *Refresher) Refresh(ctx context.Context) error {
	list, err := r.source.Fetch(ctx)
	if err != nil {
		r.count("failed")
		if ctx.Err() == nil {
			r.logger.Warn("Backend refresh failed, keeping current list",
				"backends", len(r.target.Backends()),
				"error", err,
			)
		}
		return err
	}

	if len(list) == 0 {
		r.count("unchanged")
		r.logger.Debug("Orchestrator reported no backends, keeping current list")
		return nil
	}

	changed := r.target.Replace(list)
	r.synced.Store(true)
	if changed {
		r.count("updated")
		r.logger.Info("Backends updated", "backends", r.target.Backends())
		return nil
	}
	r.count("unchanged")
	return nil
}

// SetFallback applies a static backend list until the orchestrator has
// supplied one. An empty list is ignored.
func (r *Refresher) SetFallback(backends []string) {
	if r.synced.Load() {
		r.logger.Debug("Ignoring fallback backends, orchestrator list is in use")
		return
	}
	backends = Normalize(backends)
	if len(backends) == 0 {
		r.logger.Debug("Ignoring empty fallback backends")
		return
	}
	if r.target.Replace(backends) {
		r.logger.Info("Fallback backends applied", "backends", r.target.Backends())
	}
}

func (r *Refresher) count(result string) {
	if r.metrics != nil {
		r.metrics.RefreshTotal.WithLabelValues(result).Inc()
	}
}
