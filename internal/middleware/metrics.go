package middleware

import (
	"net/http"
	"strconv"
	"time"

	"fleet/pkg/metrics"
)

// Metrics records request counts and latencies labelled with role
// ("orchestrator" or "router"). A nil m disables recording.
func Metrics(m *metrics.Metrics, role string) Middleware {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newStatusRecorder(w)
			path := metrics.NormalizePath(r.URL.Path)
			start := time.Now()

			next.ServeHTTP(rw, r)

			m.RequestsTotal.WithLabelValues(role, r.Method, path, strconv.Itoa(rw.status)).Inc()
			m.RequestDuration.WithLabelValues(role, r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
