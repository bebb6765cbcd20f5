// Package storage keeps the last known flag values of recently used
// identities, so a session can serve them before the remote service is
// ready.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrClosed   = errors.New("storage closed")
)

// Snapshot is the full set of flag values evaluated for one identity.
type Snapshot map[string]domain.FlagValue

// Clone returns a copy of s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out
}

// Storage defines the interface for snapshot storage. Keys are identity keys.
type Storage interface {
	// Get retrieves the snapshot of an identity
	Get(ctx context.Context, key string) (Snapshot, error)

	// Set stores a snapshot with optional TTL
	Set(ctx context.Context, key string, snapshot Snapshot, ttl time.Duration) error

	// Delete removes a snapshot
	Delete(ctx context.Context, key string) error

	// Clear removes all snapshots
	Clear(ctx context.Context) error

	// List returns all identity keys
	List(ctx context.Context) ([]string, error)

	// Metrics returns storage metrics
	Metrics() Metrics

	// Close closes the storage
	Close() error
}

// SnapshotStore is implemented by storages that also remember the most
// recent snapshot regardless of identity. A session falls back to it when
// a fresh anonymous identity has no snapshot of its own.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, snapshot Snapshot) error
	LoadSnapshot(ctx context.Context) (string, Snapshot, error)
}

// Metrics represents storage metrics
type Metrics struct {
	KeysAdded   uint64
	KeysUpdated uint64
	KeysEvicted uint64
	KeysDeleted uint64

	SetsDropped uint64
	GetsKept    uint64
	GetsDropped uint64

	HitRatio float64
}

// Config holds storage configuration
type Config struct {
	// MaxEntries bounds how many identities are remembered.
	MaxEntries  int64
	NumCounters int64 // Number of counters for admission policy
	BufferItems int64 // Number of keys per buffer

	// DefaultTTL applies when Set is called with a zero TTL. Zero keeps
	// entries until they are evicted.
	DefaultTTL time.Duration

	// Metrics
	MetricsEnabled bool
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries:     5,
		NumCounters:    1000,
		BufferItems:    64,
		DefaultTTL:     0,
		MetricsEnabled: true,
	}
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
