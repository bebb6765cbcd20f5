package launchdarkly

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andre-paraense/launchdarkly-flutter/internal/session"
)

// Config holds all configuration for a Bridge. It can be loaded from YAML
// with LoadConfig; durations are written as strings ("5s", "1m").
type Config struct {
	// Session timeouts and mode
	Session SessionConfig `yaml:"session"`

	// Storage of flag snapshots per identity
	Storage StorageConfig `yaml:"storage"`

	// Circuit breaker around remote session starts
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Telemetry export
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Admin HTTP server, used by the flagbridge command
	Admin AdminConfig `yaml:"admin"`

	// Offline flag source, used by the flagbridge command
	Offline OfflineConfig `yaml:"offline"`
}

// SessionConfig configures session start and identify.
type SessionConfig struct {
	// StartTimeout bounds how long init waits for the remote service
	StartTimeout time.Duration `yaml:"start_timeout"`

	// IdentifyTimeout bounds how long identify waits for new values
	IdentifyTimeout time.Duration `yaml:"identify_timeout"`

	// Offline starts remote sessions without network access
	Offline bool `yaml:"offline"`
}

// StorageConfig configures the snapshot store.
type StorageConfig struct {
	// Mode is "none", "memory" or "disk"
	Mode string `yaml:"mode"`

	// Dir holds snapshot files when Mode is "disk"
	Dir string `yaml:"dir"`

	// MaxIdentities bounds the memory store
	MaxIdentities int64 `yaml:"max_identities"`

	// TTL expires stored snapshots. Zero keeps them until evicted.
	TTL time.Duration `yaml:"ttl"`
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failed starts before opening.
	// Zero disables the breaker.
	Threshold int `yaml:"threshold"`

	// Timeout is how long the circuit stays open
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8089". Empty disables it.
	Addr string `yaml:"addr"`
}

// OfflineConfig configures the file-backed flag source.
type OfflineConfig struct {
	// FlagsFile is a YAML file of flag values and rules
	FlagsFile string `yaml:"flags_file"`
}

// Storage modes.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageDisk   = "disk"
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			StartTimeout:    session.DefaultStartTimeout,
			IdentifyTimeout: session.DefaultStartTimeout,
		},
		Storage: StorageConfig{
			Mode:          StorageMemory,
			MaxIdentities: 5,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 3,
			Timeout:   30 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Session.StartTimeout <= 0 {
		return &ConfigError{Field: "session.start_timeout", Message: "must be positive"}
	}
	if c.Session.IdentifyTimeout <= 0 {
		return &ConfigError{Field: "session.identify_timeout", Message: "must be positive"}
	}

	switch c.Storage.Mode {
	case "", StorageNone:
	case StorageMemory:
		if c.Storage.MaxIdentities <= 0 {
			return &ConfigError{Field: "storage.max_identities", Message: "must be positive"}
		}
	case StorageDisk:
		if c.Storage.Dir == "" {
			return &ConfigError{Field: "storage.dir", Message: "required for disk storage"}
		}
	default:
		return &ConfigError{Field: "storage.mode", Message: fmt.Sprintf("unknown mode %q", c.Storage.Mode)}
	}
	if c.Storage.TTL < 0 {
		return &ConfigError{Field: "storage.ttl", Message: "cannot be negative"}
	}

	if c.CircuitBreaker.Threshold < 0 {
		return &ConfigError{Field: "circuit_breaker.threshold", Message: "cannot be negative"}
	}
	if c.CircuitBreaker.Threshold > 0 && c.CircuitBreaker.Timeout <= 0 {
		return &ConfigError{Field: "circuit_breaker.timeout", Message: "must be positive"}
	}

	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &ConfigError{Field: "path", Message: "cannot read " + path, Err: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Field: "path", Message: "cannot parse " + path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
