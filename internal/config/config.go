// Package config loads ambient configuration for the relay engine:
// clock-skew and id-timestamp-delta tolerances, the handoff timeout/retry budget,
// and the set of COSE algorithms accepted for receipt validation. It
// deliberately carries no listener address, TLS, or storage settings —
// those belong to the out-of-scope concrete socket server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable this package reads.
const EnvPrefix = "AMP_"

// ClockConfig holds the validator's timing tolerances.
type ClockConfig struct {
	MaxClockSkewMs        uint64 `yaml:"max_clock_skew_ms"`
	MaxIDTimestampDeltaMs uint64 `yaml:"max_id_timestamp_delta_ms"`
}

// HandoffConfig holds the relay engine's federation handoff budget.
type HandoffConfig struct {
	AcceptTimeoutMs uint64 `yaml:"accept_timeout_ms"`
	MaxAttempts     int    `yaml:"max_attempts"`
}

// Config is the full relay/engine configuration.
type Config struct {
	RelayID       string        `yaml:"relay_id"`
	Clock         ClockConfig   `yaml:"clock"`
	Handoff       HandoffConfig `yaml:"handoff"`
	SupportedAlgs []int         `yaml:"supported_algs"`
}

// DefaultConfig returns the engine's built-in default constants.
func DefaultConfig() *Config {
	return &Config{
		RelayID: "",
		Clock: ClockConfig{
			MaxClockSkewMs:        30_000,
			MaxIDTimestampDeltaMs: 1_000,
		},
		Handoff: HandoffConfig{
			AcceptTimeoutMs: 5_000,
			MaxAttempts:     3,
		},
		SupportedAlgs: []int{-8}, // COSE EdDSA
	}
}

// Load reads configuration from path (yaml or json by extension, if path
// is non-empty), applies AMP_*-prefixed environment overrides, validates
// the result, and returns it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported config file extension for %s", path)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "RELAY_ID"); v != "" {
		cfg.RelayID = v
	}
	if v, ok := envUint64(EnvPrefix + "MAX_CLOCK_SKEW_MS"); ok {
		cfg.Clock.MaxClockSkewMs = v
	}
	if v, ok := envUint64(EnvPrefix + "MAX_ID_TIMESTAMP_DELTA_MS"); ok {
		cfg.Clock.MaxIDTimestampDeltaMs = v
	}
	if v, ok := envUint64(EnvPrefix + "HANDOFF_ACCEPT_TIMEOUT_MS"); ok {
		cfg.Handoff.AcceptTimeoutMs = v
	}
	if v, ok := envInt(EnvPrefix + "HANDOFF_MAX_ATTEMPTS"); ok {
		cfg.Handoff.MaxAttempts = v
	}
}

func envUint64(key string) (uint64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Clock.MaxClockSkewMs == 0 {
		return fmt.Errorf("config: clock.max_clock_skew_ms must be positive")
	}
	if c.Clock.MaxIDTimestampDeltaMs == 0 {
		return fmt.Errorf("config: clock.max_id_timestamp_delta_ms must be positive")
	}
	if c.Handoff.AcceptTimeoutMs == 0 {
		return fmt.Errorf("config: handoff.accept_timeout_ms must be positive")
	}
	if c.Handoff.MaxAttempts <= 0 {
		return fmt.Errorf("config: handoff.max_attempts must be positive")
	}
	if len(c.SupportedAlgs) == 0 {
		return fmt.Errorf("config: supported_algs must not be empty")
	}
	return nil
}
