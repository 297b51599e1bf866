// Package router balances requests across the live backend set with round
// robin and keeps that set fresh from the orchestrator.
package router

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"fleet/internal/core"
	"fleet/pkg/errors"
	"fleet/pkg/metrics"
)

// RoundRobin implements round-robin backend selection. The backend list is
// replaced wholesale and never mutated in place; the cursor has its own
// lock so concurrent selections never share or skip a position.
type RoundRobin struct {
	mu       sync.Mutex
	cursor   int
	backends atomic.Pointer[[]string]
	metrics  *metrics.Metrics
}

// NewRoundRobin creates a balancer seeded with backends
func NewRoundRobin(backends []string, m *metrics.Metrics) *RoundRobin {
	rr := &RoundRobin{metrics: m}
	rr.store(Normalize(backends))
	return rr
}

// Select picks the backend at the cursor and advances it once. Alternate
// is the next backend in rotation, set only when there is more than one.
func (rr *RoundRobin) Select() (core.Selection, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	list := *rr.backends.Load()
	n := len(list)
	if n == 0 {
		if rr.metrics != nil {
			rr.metrics.NoBackendsTotal.Inc()
		}
		return core.Selection{}, errors.NewError(errors.ErrorTypeNoBackendsAvailable, "no backends available")
	}

	idx := rr.cursor % n
	rr.cursor = (idx + 1) % n

	sel := core.Selection{Primary: list[idx]}
	if n > 1 {
		sel.Alternate = list[rr.cursor]
	}
	if rr.metrics != nil {
		rr.metrics.Selections.WithLabelValues(sel.Primary).Inc()
	}
	return sel, nil
}

// Replace swaps in a new backend list and reports whether it differs from
// the current one.
func (rr *RoundRobin) Replace(backends []string) bool {
	next := Normalize(backends)
	changed := !slices.Equal(*rr.backends.Load(), next)
	rr.store(next)
	return changed
}

// Backends returns a copy of the current list
func (rr *RoundRobin) Backends() []string {
	return slices.Clone(*rr.backends.Load())
}

func (rr *RoundRobin) store(list []string) {
	rr.backends.Store(&list)
	if rr.metrics != nil {
		rr.metrics.Backends.Set(float64(len(list)))
	}
}

// Normalize trims entries, drops empty ones, strips trailing slashes and
// defaults the scheme to http.
func Normalize(backends []string) []string {
	out := make([]string, 0, len(backends))
	for _, b := range backends {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b == "" {
			continue
		}
		if !strings.Contains(b, "://") {
			b = "http://" + b
		}
		out = append(out, b)
	}
	return out
}

var _ core.Selector = (*RoundRobin)(nil)
