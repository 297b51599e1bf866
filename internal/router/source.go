package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleet/pkg/errors"
)

// Source supplies the current backend list
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// HTTPSource reads the list from the orchestrator's /backends endpoint
type HTTPSource struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSource creates a source for the orchestrator at baseURL. Each
// fetch is bounded by timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url:     strings.TrimRight(baseURL, "/") + "/backends",
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Fetch GETs the backend list. Transport errors, non-200 responses and
// malformed bodies are all reported as upstream_unreachable.
func (s *HTTPSource) Fetch(ctx context.Context) ([]string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, unreachable(s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, unreachable(s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, unreachable(s.url, fmt.Errorf("unexpected status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	var body struct {
		Backends []string `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, unreachable(s.url, fmt.Errorf("decode backends: %w", err))
	}
	return body.Backends, nil
}

func unreachable(url string, cause error) *errors.Error {
	return errors.NewError(errors.ErrorTypeUpstreamUnreachable, "orchestrator unreachable").
		WithCause(cause).
		WithDetail("url", url)
}
