package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds fleet configuration for both roles
type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Router       Router       `yaml:"router"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Metrics      Metrics      `yaml:"metrics"`
}

// Orchestrator configuration
type Orchestrator struct {
	Listen        Listen    `yaml:"listen"`
	Ports         PortRange `yaml:"ports"`
	Runtime       string    `yaml:"runtime"`
	Exec          Exec      `yaml:"exec"`
	Docker        Docker    `yaml:"docker"`
	Probe         Probe     `yaml:"probe"`
	Stop          Stop      `yaml:"stop"`
	Discovery     Discovery `yaml:"discovery"`
	Fault         Fault     `yaml:"fault"`
	ServicePrefix string    `yaml:"servicePrefix"`
	PublicHost    string    `yaml:"publicHost"`
}

// Listen is a host/port pair an HTTP server binds to
type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PortRange is the inclusive range instances are placed in
type PortRange struct {
	Base int `yaml:"base"`
	Max  int `yaml:"max"`
}

// Capacity returns the number of ports in the range
func (p PortRange) Capacity() int {
	return p.Max - p.Base + 1
}

// Contains reports whether port lies in the range
func (p PortRange) Contains(port int) bool {
	return port >= p.Base && port <= p.Max
}

// Exec configures the os/exec runtime. Args may contain the {port}
// placeholder.
type Exec struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	LogDir  string   `yaml:"logDir"`
	WorkDir string   `yaml:"workDir"`
}

// Docker configures the container runtime
type Docker struct {
	Host          string `yaml:"host"`
	Image         string `yaml:"image"`
	ContainerPort int    `yaml:"containerPort"`
	NamePrefix    string `yaml:"namePrefix"`
	// TimeoutMs bounds the daemon calls made while launching a container.
	TimeoutMs     int    `yaml:"timeoutMs"`
}

// Timeout returns the launch deadline as a duration
func (d Docker) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Probe configures readiness checks
type Probe struct {
	Type       string `yaml:"type"`
	Path       string `yaml:"path"`
	IntervalMs int    `yaml:"intervalMs"`
	TimeoutMs  int    `yaml:"timeoutMs"`
}

// Interval returns the probe interval as a duration
func (p Probe) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Timeout returns the overall readiness deadline as a duration
func (p Probe) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Stop configures graceful termination
type Stop struct {
	GracePeriodMs int `yaml:"gracePeriodMs"`
	KillWaitMs    int `yaml:"killWaitMs"`
}

// Discovery configures where the discovery record is published
type Discovery struct {
	File  string `yaml:"file"`
	Job   string `yaml:"job"`
	Host  string `yaml:"host"`
	Redis Redis  `yaml:"redis"`
}

// Redis configures the optional Redis discovery sink
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	Channel  string `yaml:"channel"`
}

// Fault configures the fault relay
type Fault struct {
	TimeoutMs int `yaml:"timeoutMs"`
	// DefaultTargets selects the instances targeted when a fault request
	// names no ports: "exited" or "running".
	DefaultTargets string `yaml:"defaultTargets"`
}

// Router configuration
type Router struct {
	Listen            Listen   `yaml:"listen"`
	OrchestratorURL   string   `yaml:"orchestratorURL"`
	RefreshIntervalMs int      `yaml:"refreshIntervalMs"`
	RequestTimeoutMs  int      `yaml:"requestTimeoutMs"`
	Backends          []string `yaml:"backends"`
}

// Telemetry configuration
type Telemetry struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"serviceName"`
	ServiceVersion string  `yaml:"serviceVersion"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sampleRate"`
}

// RefreshInterval returns the backend refresh period
func (r Router) RefreshInterval() time.Duration {
	return time.Duration(r.RefreshIntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-request timeout used by the refresher
func (r Router) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutMs) * time.Millisecond
}

// Metrics configuration
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Addr formats a listen address for net.Listen
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}
