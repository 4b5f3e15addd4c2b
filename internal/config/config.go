// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// TimeoutConfig holds the per-phase timeouts governing both the client-side
// and session-side phase machines (§4.2, §4.3).
type TimeoutConfig struct {
	Handshake         time.Duration // max wait for a handshake reply before the transport closes
	Sync              time.Duration // max wait for the sync-complete acknowledgement
	DefaultReply      time.Duration // default reply timeout for ordinary execution-phase requests
	DrainPollInterval time.Duration // DrainPromises poll interval, capped at 100ms (§4.1/§9)
}

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	PeerAuthoritative bool // default authoritative-election mode for new sessions (§4.4)
	Timeout           TimeoutConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		PeerAuthoritative: getEnvBool("MRE_PEER_AUTHORITATIVE", true),
		Timeout: TimeoutConfig{
			Handshake:         getEnvDuration("MRE_HANDSHAKE_TIMEOUT", 10*time.Second),
			Sync:              getEnvDuration("MRE_SYNC_TIMEOUT", 30*time.Second),
			DefaultReply:      getEnvDuration("MRE_DEFAULT_REPLY_TIMEOUT", 15*time.Second),
			DrainPollInterval: getEnvDuration("MRE_DRAIN_POLL_INTERVAL", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Timeout.Handshake <= 0 {
		return fmt.Errorf("MRE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.Timeout.Sync <= 0 {
		return fmt.Errorf("MRE_SYNC_TIMEOUT must be > 0")
	}
	if c.Timeout.DrainPollInterval <= 0 || c.Timeout.DrainPollInterval > 100*time.Millisecond {
		return fmt.Errorf("MRE_DRAIN_POLL_INTERVAL must be > 0 and <= 100ms")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
