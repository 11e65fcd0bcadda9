package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/forkdb-experiment/forkdb/internal/network"
)

// Config holds all configurable parameters for a fork session
type Config struct {
	RPCURL      string         `json:"rpc_url"`
	BlockNumber uint64         `json:"block_number"` // 0 means fork at the latest block
	ChainID     uint64         `json:"chain_id"`     // 0 means fetch from the provider
	CacheDir    string         `json:"cache_dir"`    // empty disables the disk cache
	ListenPort  int            `json:"listen_port"`
	Network     network.Config `json:"network"`
	Fetch       FetchConfig    `json:"fetch"`
}

// FetchConfig bounds the remote fetch pipeline
type FetchConfig struct {
	TimeoutSec    int     `json:"timeout_sec"`    // per-fetch deadline
	MaxConcurrent int64   `json:"max_concurrent"` // in-flight fetch cap
	RatePerSec    float64 `json:"rate_per_sec"`   // 0 disables rate limiting
	RateBurst     int     `json:"rate_burst"`
}

const (
	DefaultListenPort    = 8546
	DefaultFetchTimeout  = 30
	DefaultMaxConcurrent = 32
)

// Default returns a config with sane defaults and no upstream configured
func Default() *Config {
	return &Config{
		ListenPort: DefaultListenPort,
		Fetch: FetchConfig{
			TimeoutSec:    DefaultFetchTimeout,
			MaxConcurrent: DefaultMaxConcurrent,
		},
	}
}

// Load reads and parses a JSON config file, filling unset fetch bounds
// with defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.Fetch.TimeoutSec == 0 {
		c.Fetch.TimeoutSec = DefaultFetchTimeout
	}
	if c.Fetch.MaxConcurrent == 0 {
		c.Fetch.MaxConcurrent = DefaultMaxConcurrent
	}
}

// Validate rejects configs that cannot drive a session
func (c *Config) Validate() error {
	if c.Fetch.MaxConcurrent < 0 {
		return fmt.Errorf("fetch.max_concurrent must be positive, got %d", c.Fetch.MaxConcurrent)
	}
	if c.Network.FailureRate < 0 || c.Network.FailureRate > 1 {
		return fmt.Errorf("network.failure_rate must be in [0,1], got %v", c.Network.FailureRate)
	}
	return nil
}
