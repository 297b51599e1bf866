package health

import (
	"context"
	"log/slog"
	"time"
)

// WaitOptions bounds a readiness wait.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// Exited, when non-nil, aborts the wait as soon as it is closed.
	Exited <-chan struct{}
	// AttemptTimeout caps a single probe; defaults to Interval or 1s,
	// whichever is larger.
	AttemptTimeout time.Duration
}

// Prober polls a checker until the target is ready.
type Prober struct {
	checker Checker
	logger  *slog.Logger
}

// NewProber creates a prober backed by checker
func NewProber(checker Checker, logger *slog.Logger) *Prober {
	return &Prober{
		checker: checker,
		logger:  logger.With("component", "readiness"),
	}
}

// WaitReady probes target immediately and then every opts.Interval. It
// returns true on the first successful probe, and false on timeout,
// process exit or context cancellation.
func (p *Prober) WaitReady(ctx context.Context, target Target, opts WaitOptions) bool {
	interval := opts.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	attempt := opts.AttemptTimeout
	if attempt <= 0 {
		attempt = max(interval, time.Second)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		if p.probeOnce(ctx, target, attempt) {
			p.logger.Debug("Instance ready", "port", target.Port, "attempts", attempts)
			return true
		}

		select {
		case <-ctx.Done():
			p.logger.Warn("Instance not ready before deadline", "port", target.Port, "attempts", attempts)
			return false
		case <-opts.Exited:
			p.logger.Warn("Instance exited while waiting for readiness", "port", target.Port)
			return false
		case <-ticker.C:
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, target Target, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.checker.Check(ctx, target); err != nil {
		p.logger.Debug("Readiness probe failed", "port", target.Port, "error", err)
		return false
	}
	return true
}
