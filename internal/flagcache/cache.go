// Package flagcache holds the evaluated flag values served to the host.
//
// The cache is an immutable snapshot behind an atomic pointer. Readers
// never lock; writers build a new map and swap it in.
package flagcache

import (
	"context"
	"sync/atomic"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
	"github.com/andre-paraense/launchdarkly-flutter/internal/telemetry"
)

type snapshot map[string]domain.FlagValue

// Cache is the flag cache. The zero value is not usable; call New.
type Cache struct {
	current   atomic.Pointer[snapshot]
	telemetry telemetry.Provider
}

// New creates an empty cache. A nil provider disables metrics.
func New(tp telemetry.Provider) *Cache {
	if tp == nil {
		tp = telemetry.NewNoOp()
	}
	c := &Cache{telemetry: tp}
	empty := snapshot{}
	c.current.Store(&empty)
	return c
}

// Replace swaps in values and returns the keys whose values changed.
func (c *Cache) Replace(values map[string]domain.FlagValue) remote.ChangeSet {
	next := make(snapshot, len(values))
	for key, value := range values {
		next[key] = value
	}
	prev := c.current.Swap(&next)
	return remote.Diff(*prev, next)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	empty := snapshot{}
	c.current.Store(&empty)
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (domain.FlagValue, bool) {
	value, ok := (*c.current.Load())[key]
	return value, ok
}

func (c *Cache) Len() int {
	return len(*c.current.Load())
}

// Snapshot returns a copy of every cached value.
func (c *Cache) Snapshot() map[string]domain.FlagValue {
	current := *c.current.Load()
	out := make(map[string]domain.FlagValue, len(current))
	for key, value := range current {
		out[key] = value
	}
	return out
}

// AllValues returns every cached value in host form.
func (c *Cache) AllValues() map[string]any {
	current := *c.current.Load()
	out := make(map[string]any, len(current))
	for key, value := range current {
		out[key] = value.Any()
	}
	return out
}

func (c *Cache) record(key string, hit bool) {
	c.telemetry.RecordVariation(context.Background(), key, hit)
}

// Scalar lists the types Variation can serve.
type Scalar interface {
	bool | string | float64 | int
}

// Variation returns the value of key as T, or fallback when the key is
// absent or holds a different kind.
func Variation[T Scalar](c *Cache, key string, fallback T) T {
	value, ok := c.Get(key)
	if !ok {
		c.record(key, false)
		return fallback
	}

	out, ok := convert(value, fallback)
	c.record(key, ok)
	if !ok {
		return fallback
	}
	return out
}

func convert[T Scalar](value domain.FlagValue, fallback T) (T, bool) {
	var (
		got any
		ok  bool
	)
	switch any(fallback).(type) {
	case bool:
		got, ok = value.BoolValue()
	case string:
		got, ok = value.StringValue()
	case float64:
		got, ok = value.NumberValue()
	case int:
		got, ok = value.IntValue()
	}
	if !ok {
		return fallback, false
	}
	return got.(T), true
}

// JSONVariation returns the value of key in host form, or fallback when
// the key is absent or null.
func JSONVariation(c *Cache, key string, fallback any) any {
	value, ok := c.Get(key)
	if !ok || value.IsNull() {
		c.record(key, false)
		return fallback
	}
	c.record(key, true)
	return value.Any()
}
