package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// MemoryStorage keeps snapshots in a bounded ristretto cache. Every
// snapshot costs 1, so MaxEntries is the number of identities kept.
type MemoryStorage struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration

	mu      sync.Mutex
	metrics Metrics
	evicted atomic.Uint64
	closed  bool
}

func NewMemoryStorage(cfg Config) (*MemoryStorage, error) {
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", cfg.MaxEntries)
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = cfg.MaxEntries * 10
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}

	m := &MemoryStorage{defaultTTL: cfg.DefaultTTL}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        cfg.BufferItems,
		Metrics:            cfg.MetricsEnabled,
		IgnoreInternalCost: true,
		OnEvict: func(item *ristretto.Item) {
			m.evicted.Add(1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	m.cache = cache

	return m, nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	value, found := m.cache.Get(key)
	if !found {
		m.metrics.GetsDropped++
		return nil, ErrNotFound
	}
	snapshot, ok := value.(Snapshot)
	if !ok {
		m.metrics.GetsDropped++
		return nil, ErrNotFound
	}

	m.metrics.GetsKept++
	return snapshot.Clone(), nil
}

func (m *MemoryStorage) Set(ctx context.Context, key string, snapshot Snapshot, ttl time.Duration) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	_, exists := m.cache.Get(key)
	if !m.cache.SetWithTTL(key, snapshot.Clone(), 1, ttl) {
		m.metrics.SetsDropped++
		return fmt.Errorf("snapshot for %q dropped by cache", key)
	}
	// Sets are buffered; wait so the next Get sees this one.
	m.cache.Wait()

	if exists {
		m.metrics.KeysUpdated++
	} else {
		m.metrics.KeysAdded++
	}
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.cache.Del(key)
	m.metrics.KeysDeleted++
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.cache.Clear()
	return nil
}

// List is not supported: ristretto stores hashed keys only.
func (m *MemoryStorage) List(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("list operation not supported by memory storage")
}

func (m *MemoryStorage) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.metrics
	out.KeysEvicted = m.evicted.Load()
	if total := out.GetsKept + out.GetsDropped; total > 0 {
		out.HitRatio = float64(out.GetsKept) / float64(total)
	}
	return out
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.cache.Close()
	return nil
}
