package network

import (
	"net/http"
	"time"
)

// Config holds fault-simulation parameters for HTTP clients talking to a
// remote provider. Zero value means a plain client.
type Config struct {
	SimulateEnabled bool    `json:"simulate_enabled"`
	MinDelayMs      int     `json:"min_delay_ms"` // Minimum injected delay in milliseconds
	MaxDelayMs      int     `json:"max_delay_ms"` // Maximum injected delay in milliseconds
	FailureRate     float64 `json:"failure_rate"` // Probability [0,1] that a request errors out
}

// NewHTTPClient creates an HTTP client with optional provider-fault simulation.
// If cfg.SimulateEnabled is true, requests get random latency in the configured
// range and fail with ErrInjectedFailure at the configured rate.
func NewHTTPClient(cfg Config, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport

	if cfg.SimulateEnabled {
		transport = NewFaultyRoundTripper(transport, FaultConfig{
			Enabled:     true,
			MinDelay:    time.Duration(cfg.MinDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			FailureRate: cfg.FailureRate,
		})
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
