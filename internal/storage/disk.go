package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const snapshotFile = "snapshot.last"

// DiskStorage writes one JSON file per identity under dir. TTLs are not
// enforced; the directory is a persistent last-known-good cache.
type DiskStorage struct {
	dir     string
	metrics Metrics
	mu      sync.RWMutex
}

type lastSnapshot struct {
	Key   string   `json:"key"`
	Flags Snapshot `json:"flags"`
}

func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	return &DiskStorage{dir: dir}, nil
}

// filePath escapes key so any identity key maps to a single file name.
func (d *DiskStorage) filePath(key string) string {
	return filepath.Join(d.dir, url.PathEscape(key)+".json")
}

func (d *DiskStorage) Get(ctx context.Context, key string) (Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			d.metrics.GetsDropped++
			return nil, ErrNotFound
		}
		return nil, err
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %q: %w", key, err)
	}

	d.metrics.GetsKept++
	return snapshot, nil
}

func (d *DiskStorage) Set(ctx context.Context, key string, snapshot Snapshot, ttl time.Duration) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	file := d.filePath(key)
	_, statErr := os.Stat(file)
	existed := statErr == nil

	if err := writeFile(file, data); err != nil {
		d.metrics.SetsDropped++
		return err
	}

	if existed {
		d.metrics.KeysUpdated++
	} else {
		d.metrics.KeysAdded++
	}
	return nil
}

func (d *DiskStorage) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.Remove(d.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	d.metrics.KeysDeleted++
	return nil
}

func (d *DiskStorage) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *DiskStorage) List(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// SaveSnapshot records snapshot as the most recent one, for key.
func (d *DiskStorage) SaveSnapshot(ctx context.Context, key string, snapshot Snapshot) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(lastSnapshot{Key: key, Flags: snapshot}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := writeFile(filepath.Join(d.dir, snapshotFile), data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot returns the identity key and values of the most recent snapshot.
func (d *DiskStorage) LoadSnapshot(ctx context.Context) (string, Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return "", nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(d.dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var last lastSnapshot
	if err := json.Unmarshal(data, &last); err != nil {
		return "", nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return last.Key, last.Flags, nil
}

func (d *DiskStorage) Metrics() Metrics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := d.metrics
	if total := out.GetsKept + out.GetsDropped; total > 0 {
		out.HitRatio = float64(out.GetsKept) / float64(total)
	}
	return out
}

func (d *DiskStorage) Close() error { return nil }

// writeFile replaces file atomically through a temp file in the same dir.
func writeFile(file string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(file), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), file)
}
