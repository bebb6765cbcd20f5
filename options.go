package launchdarkly

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
	"github.com/andre-paraense/launchdarkly-flutter/internal/storage"
	"github.com/andre-paraense/launchdarkly-flutter/internal/telemetry"
)

// Option configures a Bridge.
type Option func(*bridgeConfig) error

// bridgeConfig holds internal configuration.
type bridgeConfig struct {
	config Config

	remote    remote.Service
	sink      Sink
	logger    *slog.Logger
	telemetry telemetry.Provider
	storage   storage.Storage
}

func newBridgeConfig() *bridgeConfig {
	return &bridgeConfig{config: DefaultConfig()}
}

// WithRemote sets the remote flag service. This is required.
func WithRemote(svc remote.Service) Option {
	return func(c *bridgeConfig) error {
		if svc == nil {
			return &ConfigError{Field: "remote", Message: "remote service cannot be nil"}
		}
		c.remote = svc
		return nil
	}
}

// WithSink sets where change notifications are delivered. Without a sink
// notifications are discarded.
func WithSink(sink Sink) Option {
	return func(c *bridgeConfig) error {
		if sink == nil {
			return &ConfigError{Field: "sink", Message: "sink cannot be nil"}
		}
		c.sink = sink
		return nil
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *bridgeConfig) error {
		if logger == nil {
			return &ConfigError{Field: "logger", Message: "logger cannot be nil"}
		}
		c.logger = logger
		return nil
	}
}

// WithTelemetry sets the telemetry provider. It takes precedence over
// WithOpenTelemetry.
func WithTelemetry(tp telemetry.Provider) Option {
	return func(c *bridgeConfig) error {
		if tp == nil {
			return &ConfigError{Field: "telemetry", Message: "provider cannot be nil"}
		}
		c.telemetry = tp
		return nil
	}
}

// WithOpenTelemetry instruments the bridge with the global OpenTelemetry
// tracer and meter providers.
func WithOpenTelemetry() Option {
	return func(c *bridgeConfig) error {
		c.config.Telemetry.Enabled = true
		return nil
	}
}

// WithStorage sets the snapshot store used to seed the flag cache before
// the remote service is ready. It takes precedence over
// WithMemoryStorage and WithDiskPersistence.
func WithStorage(s storage.Storage) Option {
	return func(c *bridgeConfig) error {
		if s == nil {
			return &ConfigError{Field: "storage", Message: "storage cannot be nil"}
		}
		c.storage = s
		return nil
	}
}

// WithMemoryStorage remembers the flag values of the last maxIdentities
// identities in memory.
//
// Example: launchdarkly.WithMemoryStorage(5, time.Hour)
func WithMemoryStorage(maxIdentities int64, ttl time.Duration) Option {
	return func(c *bridgeConfig) error {
		if maxIdentities <= 0 {
			return &ConfigError{Field: "storage.max_identities", Message: "must be positive"}
		}
		c.config.Storage.Mode = StorageMemory
		c.config.Storage.MaxIdentities = maxIdentities
		c.config.Storage.TTL = ttl
		return nil
	}
}

// WithDiskPersistence keeps flag snapshots in dir, so a restarted process
// can serve the last known values before the remote service answers.
func WithDiskPersistence(dir string) Option {
	return func(c *bridgeConfig) error {
		if dir == "" {
			return &ConfigError{Field: "storage.dir", Message: "directory cannot be empty"}
		}
		c.config.Storage.Mode = StorageDisk
		c.config.Storage.Dir = dir
		return nil
	}
}

// WithoutStorage disables snapshot storage.
func WithoutStorage() Option {
	return func(c *bridgeConfig) error {
		c.config.Storage.Mode = StorageNone
		return nil
	}
}

// WithStartTimeout bounds how long init waits for the remote service.
// Default: 5 seconds
func WithStartTimeout(timeout time.Duration) Option {
	return func(c *bridgeConfig) error {
		if timeout <= 0 {
			return &ConfigError{Field: "session.start_timeout", Message: fmt.Sprintf("must be positive, got %s", timeout)}
		}
		c.config.Session.StartTimeout = timeout
		return nil
	}
}

// WithIdentifyTimeout bounds how long identify waits for new values.
// Default: 5 seconds
func WithIdentifyTimeout(timeout time.Duration) Option {
	return func(c *bridgeConfig) error {
		if timeout <= 0 {
			return &ConfigError{Field: "session.identify_timeout", Message: fmt.Sprintf("must be positive, got %s", timeout)}
		}
		c.config.Session.IdentifyTimeout = timeout
		return nil
	}
}

// WithOffline asks remote sessions not to open network connections.
func WithOffline(offline bool) Option {
	return func(c *bridgeConfig) error {
		c.config.Session.Offline = offline
		return nil
	}
}

// WithCircuitBreaker configures the circuit breaker around remote session
// starts. A threshold of zero disables it.
//
// Example: launchdarkly.WithCircuitBreaker(3, 30*time.Second)
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *bridgeConfig) error {
		if threshold < 0 {
			return &ConfigError{Field: "circuit_breaker.threshold", Message: "cannot be negative"}
		}
		c.config.CircuitBreaker.Threshold = threshold
		c.config.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithConfig applies a full Config struct.
// This is an alternative to using individual options.
func WithConfig(cfg Config) Option {
	return func(c *bridgeConfig) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.config = cfg
		return nil
	}
}
