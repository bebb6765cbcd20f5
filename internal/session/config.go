package session

import (
	"errors"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
)

// DefaultStartTimeout matches how long mobile SDK clients block in init.
const DefaultStartTimeout = 5 * time.Second

var ErrClosed = errors.New("session manager closed")

// State of the session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config holds session configuration
type Config struct {
	// StartTimeout bounds Initialize's wait for the remote ready signal.
	StartTimeout time.Duration

	// IdentifyTimeout bounds Identify's wait for values of the new identity.
	IdentifyTimeout time.Duration

	// Offline starts remote sessions without network access.
	Offline bool

	// SnapshotTTL is passed to the snapshot storage. Zero uses the
	// storage default.
	SnapshotTTL time.Duration
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		StartTimeout:    DefaultStartTimeout,
		IdentifyTimeout: DefaultStartTimeout,
	}
}

// Validate checks configuration
func (c Config) Validate() error {
	if c.StartTimeout <= 0 {
		return domain.NewValidationError("start timeout must be positive")
	}
	if c.IdentifyTimeout <= 0 {
		return domain.NewValidationError("identify timeout must be positive")
	}
	if c.SnapshotTTL < 0 {
		return domain.NewValidationError("snapshot ttl cannot be negative")
	}
	return nil
}
