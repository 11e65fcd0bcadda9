package network

import (
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// ErrInjectedFailure is returned by a FaultyRoundTripper when it decides to
// drop a request. Callers see it wrapped in a *url.Error.
var ErrInjectedFailure = errors.New("injected provider failure")

// FaultConfig specifies provider-fault simulation parameters
type FaultConfig struct {
	Enabled     bool          `json:"enabled"`
	MinDelay    time.Duration `json:"min_delay"`    // e.g., 10ms
	MaxDelay    time.Duration `json:"max_delay"`    // e.g., 100ms
	FailureRate float64       `json:"failure_rate"` // probability a request fails outright
}

// FaultyRoundTripper wraps http.RoundTripper with configurable latency and
// failure injection, standing in for a slow or flaky remote provider.
type FaultyRoundTripper struct {
	base   http.RoundTripper
	config FaultConfig
	mu     sync.Mutex // guards rng; RoundTrip is called concurrently
	rng    *rand.Rand
}

// NewFaultyRoundTripper creates a new FaultyRoundTripper.
// If base is nil, http.DefaultTransport is used.
func NewFaultyRoundTripper(base http.RoundTripper, config FaultConfig) *FaultyRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &FaultyRoundTripper{
		base:   base,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RoundTrip implements http.RoundTripper. It sleeps for a random duration in
// the configured range, then either fails the request or forwards it.
func (f *FaultyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !f.config.Enabled {
		return f.base.RoundTrip(req)
	}

	delay, fail := f.roll()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, ErrInjectedFailure
	}
	return f.base.RoundTrip(req)
}

// roll draws the delay and the failure decision for one request
func (f *FaultyRoundTripper) roll() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delay := f.config.MinDelay
	if f.config.MaxDelay > f.config.MinDelay {
		delta := f.config.MaxDelay - f.config.MinDelay
		delay += time.Duration(f.rng.Int63n(int64(delta)))
	}

	fail := f.config.FailureRate > 0 && f.rng.Float64() < f.config.FailureRate
	return delay, fail
}
