package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"fleet/internal/core"
	"fleet/internal/process"
)

// entry is the registry's record of one instance. Only the registry holds
// the process handle.
type entry struct {
	port      int
	service   string
	startedAt time.Time
	handle    process.Handle
	// stopDone is set once a stop begins and closed when it completes.
	stopDone chan struct{}
}

func (e *entry) alive() bool {
	return e.handle.Alive()
}

// serving reports whether the entry should be advertised to clients.
func (e *entry) serving() bool {
	return e.stopDone == nil && e.handle.Alive()
}

func (e *entry) status() string {
	if e.handle.Alive() {
		return core.StatusRunning
	}
	return core.ExitedStatus(e.handle.ExitCode())
}

func (o *Orchestrator) urlFor(port int) string {
	return fmt.Sprintf("http://%s:%d", o.cfg.PublicHost, port)
}

func (o *Orchestrator) snapshot(e *entry) core.Instance {
	return core.Instance{
		Port:      e.port,
		PID:       e.handle.PID(),
		Service:   e.service,
		StartedAt: e.startedAt,
		Status:    e.status(),
		URL:       o.urlFor(e.port),
	}
}

func (o *Orchestrator) serviceName(port int) string {
	return fmt.Sprintf("%s%d", o.cfg.ServicePrefix, port-o.cfg.Ports.Base+1)
}

// Instances returns every tracked instance sorted by port.
func (o *Orchestrator) Instances() []core.Instance {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]core.Instance, 0, len(o.entries))
	for _, p := range o.sortedPortsLocked() {
		out = append(out, o.snapshot(o.entries[p]))
	}
	return out
}

// Backends returns the URLs of running instances sorted by port.
func (o *Orchestrator) Backends() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ports := o.servingPortsLocked()
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, o.urlFor(p))
	}
	return out
}

// Count returns the number of tracked instances.
func (o *Orchestrator) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *Orchestrator) sortedPortsLocked() []int {
	ports := make([]int, 0, len(o.entries))
	for p := range o.entries {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

func (o *Orchestrator) servingPortsLocked() []int {
	var ports []int
	for _, p := range o.sortedPortsLocked() {
		if o.entries[p].serving() {
			ports = append(ports, p)
		}
	}
	return ports
}

// takenLocked reports whether port is held by a live or stopping entry.
// Exited entries may be replaced.
func (o *Orchestrator) takenLocked(port int) bool {
	e, ok := o.entries[port]
	return ok && (e.stopDone != nil || e.alive())
}

func (o *Orchestrator) findLocked(target core.StopTarget) *entry {
	if target.Port != 0 {
		return o.entries[target.Port]
	}
	if target.PID != 0 {
		for _, e := range o.entries {
			if e.handle.PID() == target.PID {
				return e
			}
		}
	}
	return nil
}

func (o *Orchestrator) updateGaugeLocked() {
	if o.metrics != nil {
		o.metrics.Instances.Set(float64(len(o.entries)))
	}
}
