// Package health implements readiness probes for backend instances.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"fleet/internal/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Target is the address a probe is run against.
type Target struct {
	Host string
	Port int
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Checker runs one readiness probe. A nil error means ready.
type Checker interface {
	Check(ctx context.Context, target Target) error
}

// NewChecker builds the checker selected by the probe configuration
func NewChecker(cfg config.Probe) (Checker, error) {
	switch cfg.Type {
	case "http", "":
		return NewHTTPChecker(cfg.Path), nil
	case "tcp":
		return &TCPChecker{}, nil
	case "grpc":
		return &GRPCChecker{}, nil
	default:
		return nil, fmt.Errorf("unknown probe type: %s", cfg.Type)
	}
}

// HTTPChecker treats a 200 from Path as ready. Redirects are not followed.
type HTTPChecker struct {
	Path   string
	client *http.Client
}

// NewHTTPChecker creates an HTTP checker for path
func NewHTTPChecker(path string) *HTTPChecker {
	if path == "" {
		path = "/healthz"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPChecker{
		Path: path,
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPChecker) Check(ctx context.Context, target Target) error {
	url := "http://" + target.Addr() + h.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

// TCPChecker treats an accepted connection as ready.
type TCPChecker struct{}

func (t *TCPChecker) Check(ctx context.Context, target Target) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	return conn.Close()
}

// GRPCChecker queries the standard grpc.health.v1 service.
type GRPCChecker struct {
	// Service is the name sent in the health request; empty checks the
	// server as a whole.
	Service string
}

func (g *GRPCChecker) Check(ctx context.Context, target Target) error {
	conn, err := grpc.NewClient(target.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("not serving: %v", resp.GetStatus())
	}
	return nil
}
