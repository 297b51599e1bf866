// Package discovery publishes the set of running instances in the
// Prometheus file_sd format.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strconv"

	"fleet/pkg/metrics"
)

// Record is one file_sd target group.
type Record struct {
	Labels  map[string]string `json:"labels"`
	Targets []string          `json:"targets"`
}

// BuildRecords returns the single target group for ports, sorted
// ascending. An empty ports slice still yields one record with no targets.
func BuildRecords(job, host string, ports []int) []Record {
	sorted := slices.Clone(ports)
	slices.Sort(sorted)

	targets := make([]string, 0, len(sorted))
	for _, p := range sorted {
		targets = append(targets, net.JoinHostPort(host, strconv.Itoa(p)))
	}
	return []Record{{
		Labels:  map[string]string{"job": job},
		Targets: targets,
	}}
}

// Publisher delivers discovery records to a sink.
type Publisher interface {
	Publish(ctx context.Context, records []Record) error
	Close() error
}

// Sink is a named Publisher.
type Sink interface {
	Publisher
	Name() string
}

// Multi fans a publish out to every sink. All sinks are attempted; their
// errors are joined.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti creates a fan-out publisher. m may be nil.
func NewMulti(m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{
		sinks:   sinks,
		metrics: m,
		logger:  logger.With("component", "discovery"),
	}
}

func (m *Multi) Publish(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.Publish(ctx, records)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, err)
			m.logger.Error("Discovery publish failed", "sink", s.Name(), "error", err)
		}
		if m.metrics != nil {
			m.metrics.PublishTotal.WithLabelValues(s.Name(), result).Inc()
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
