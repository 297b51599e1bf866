package orchestrator

import (
	"net"
	"strconv"
	"time"

	"fleet/internal/config"
	"fleet/pkg/errors"
)

// PortProbe reports whether something is already listening on port.
type PortProbe func(port int) bool

// TCPProbe treats a successful connect to 127.0.0.1:<port> as busy.
func TCPProbe(timeout time.Duration) PortProbe {
	return func(port int) bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Allocator hands out ports from a fixed range.
type Allocator struct {
	rng  config.PortRange
	busy PortProbe
}

// NewAllocator creates an allocator over rng. A nil probe defaults to
// TCPProbe(200ms).
func NewAllocator(rng config.PortRange, busy PortProbe) *Allocator {
	if busy == nil {
		busy = TCPProbe(200 * time.Millisecond)
	}
	return &Allocator{rng: rng, busy: busy}
}

// Range returns the managed port range
func (a *Allocator) Range() config.PortRange {
	return a.rng
}

// Busy reports whether a foreign process holds port
func (a *Allocator) Busy(port int) bool {
	return a.busy(port)
}

// Pick returns the lowest port in range that is neither taken, excluded nor
// bound. Callers hold the registry lock.
func (a *Allocator) Pick(taken func(int) bool, exclude map[int]bool) (int, error) {
	for p := a.rng.Base; p <= a.rng.Max; p++ {
		if taken(p) || exclude[p] {
			continue
		}
		if a.busy(p) {
			continue
		}
		return p, nil
	}
	return 0, errors.NewError(errors.ErrorTypeNoFreePorts, "no free ports in range").
		WithDetail("base", a.rng.Base).
		WithDetail("max", a.rng.Max)
}
