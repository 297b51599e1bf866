package http

import "time"

// Config holds router frontend configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MetricsPath serves the metrics handler when one is set.
	MetricsPath string
	// HealthPath answers with the current backend list instead of being
	// forwarded.
	HealthPath string
}

// DefaultConfig returns the frontend defaults
func DefaultConfig() Config {
	return Config{
		Host:        "0.0.0.0",
		Port:        9000,
		ReadTimeout: 30 * time.Second,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}
