package core

import (
	"context"
	"fmt"
	"time"
)

// StatusRunning is reported for instances whose process is alive.
const StatusRunning = "running"

// ExitedStatus formats the status of an instance whose process has exited.
func ExitedStatus(code int) string {
	return fmt.Sprintf("exited(%d)", code)
}

// Instance is a point-in-time snapshot of one backend instance.
type Instance struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Service   string    `json:"service"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	URL       string    `json:"url"`
}

// Running reports whether the instance's process was alive when the
// snapshot was taken.
func (i Instance) Running() bool {
	return i.Status == StatusRunning
}

// StartResult is returned by a start request. Ready is false when the
// readiness wait timed out or the process exited; the instance remains
// registered either way.
type StartResult struct {
	Ready    bool     `json:"ok"`
	Port     int      `json:"port"`
	URL      string   `json:"url"`
	Instance Instance `json:"-"`
}

// StopTarget identifies an instance by port or PID. Port wins when both
// are set.
type StopTarget struct {
	Port int `json:"port,omitempty"`
	PID  int `json:"pid,omitempty"`
}

// Failure records one start or stop within a scale batch that did not
// succeed.
type Failure struct {
	Op    string `json:"op"`
	Port  int    `json:"port,omitempty"`
	Error string `json:"error"`
}

// ScaleResult summarizes a scale batch.
type ScaleResult struct {
	Started  []int     `json:"started"`
	Stopped  []int     `json:"stopped"`
	Failures []Failure `json:"failures"`
	Replicas int       `json:"replicas"`
}

// FaultSpec is relayed to backends' /faults endpoint. Nil fields are
// omitted from the payload.
type FaultSpec struct {
	Mode      string   `json:"mode"`
	LatencyMs *int     `json:"latency_ms,omitempty"`
	PError    *float64 `json:"p_error,omitempty"`
	CPUMs     *int     `json:"cpu_ms,omitempty"`
}

// FaultResult is the outcome of relaying a fault to one port: the
// backend's HTTP status, or the transport error.
type FaultResult struct {
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Fleet is the orchestrator surface consumed by the control plane.
type Fleet interface {
	Start(ctx context.Context, port int) (*StartResult, error)
	Stop(ctx context.Context, target StopTarget) (int, error)
	Scale(ctx context.Context, desired int) (*ScaleResult, error)
	SetFault(ctx context.Context, spec FaultSpec, ports []int) map[string]FaultResult
	Instances() []Instance
	Backends() []string
}

// Selection is the result of one round-robin pick. Alternate is empty for a
// single-backend list.
type Selection struct {
	Primary   string
	Alternate string
}

// Selector picks a backend for a request.
type Selector interface {
	Select() (Selection, error)
}
