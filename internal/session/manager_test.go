package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andre-paraense/launchdarkly-flutter/internal/circuit"
	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
	"github.com/andre-paraense/launchdarkly-flutter/internal/flagcache"
	"github.com/andre-paraense/launchdarkly-flutter/internal/observer"
	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
	"github.com/andre-paraense/launchdarkly-flutter/internal/storage"
)

type fixture struct {
	svc      *remote.MemoryService
	cache    *flagcache.Cache
	registry *observer.Registry
	manager  *Manager

	mu     sync.Mutex
	events []observer.Event
	hook   func(observer.Event)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		svc:   remote.NewMemoryService(),
		cache: flagcache.New(nil),
	}
	f.registry = observer.New(f.enqueue, nil, nil)

	cfg := DefaultConfig()
	cfg.StartTimeout = time.Second
	cfg.IdentifyTimeout = time.Second

	base := []Option{
		WithRemote(f.svc),
		WithCache(f.cache),
		WithRegistry(f.registry),
		WithConfig(cfg),
	}
	m, err := New(append(base, opts...)...)
	require.NoError(t, err)
	f.manager = m
	t.Cleanup(func() { _ = m.Close() })

	return f
}

func (f *fixture) enqueue(e observer.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hook != nil {
		f.hook(e)
	}
	f.events = append(f.events, e)
}

// setHook runs fn for every event at the moment it is enqueued.
func (f *fixture) setHook(fn func(observer.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

func (f *fixture) observed() []observer.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observer.Event(nil), f.events...)
}

func user(key string) domain.Identity {
	return domain.NewIdentityBuilder(key).Build()
}

func shortTimeouts(d time.Duration) Option {
	return WithConfig(Config{StartTimeout: d, IdentifyTimeout: d})
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(WithRemote(remote.NewMemoryService()))
	assert.Error(t, err)

	_, err = New(
		WithRemote(remote.NewMemoryService()),
		WithCache(flagcache.New(nil)),
		WithRegistry(observer.New(func(observer.Event) {}, nil, nil)),
		WithConfig(Config{}),
	)
	assert.True(t, domain.IsValidationError(err))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{StartTimeout: time.Second}.Validate())
	assert.Error(t, Config{StartTimeout: time.Second, IdentifyTimeout: time.Second, SnapshotTTL: -1}.Validate())
	assert.Equal(t, 5*time.Second, DefaultConfig().StartTimeout)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestInitialize_EmptyServiceKey(t *testing.T) {
	f := newFixture(t)

	err := f.manager.Initialize(context.Background(), "", user("u1"))

	assert.True(t, domain.IsInvalidArgument(err))
	assert.Equal(t, StateUninitialized, f.manager.State())
	f.svc.AssertCalled(t, "StartSession", 0)
}

func TestInitialize_Ready(t *testing.T) {
	f := newFixture(t)
	f.svc.SetValues(map[string]any{"new-ui": true})

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	assert.Equal(t, StateReady, f.manager.State())
	assert.Equal(t, "u1", f.manager.Identity().Key())
	assert.True(t, flagcache.Variation(f.cache, "new-ui", false))

	sessions := f.svc.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "mob-key", sessions[0].Config().ServiceKey)
}

func TestInitialize_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.svc.ManualReady = true
	f.svc.SetValues(map[string]any{"a": "x"})

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- f.manager.Initialize(context.Background(), "mob-key", user("u1"))
		}()
	}

	require.Eventually(t, func() bool {
		return f.svc.CallCount("StartSession") == 1 && len(f.svc.Sessions()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStarting, f.manager.State())

	f.svc.MarkReady()

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
	f.svc.AssertCalled(t, "StartSession", 1)
	assert.Equal(t, StateReady, f.manager.State())
	assert.Equal(t, "x", flagcache.Variation(f.cache, "a", ""))
}

func TestInitialize_TimeoutResolvesWithBestEffort(t *testing.T) {
	f := newFixture(t, shortTimeouts(30*time.Millisecond))
	f.svc.ManualReady = true
	f.svc.SetValues(map[string]any{"late": true})

	began := time.Now()
	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, StateReady, f.manager.State())
	assert.False(t, flagcache.Variation(f.cache, "late", false))

	// Values that arrive after the timeout still reach the cache.
	f.svc.MarkReady()
	assert.Eventually(t, func() bool {
		return flagcache.Variation(f.cache, "late", false)
	}, time.Second, 5*time.Millisecond)
}

func TestInitialize_RemoteUnavailable(t *testing.T) {
	f := newFixture(t)
	f.svc.StartSessionFunc = func(ctx context.Context, id domain.Identity, cfg remote.SessionConfig) error {
		return errors.New("dns failure")
	}

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	assert.Equal(t, StateReady, f.manager.State())
	assert.Equal(t, 0, f.cache.Len())
	assert.False(t, f.manager.Status().Connected)
}

func TestInitialize_SeedsFromStorage(t *testing.T) {
	store, err := storage.NewMemoryStorage(storage.Config{MaxEntries: 10})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "u1", storage.Snapshot{"cached": domain.String("yes")}, 0))

	f := newFixture(t, WithStorage(store))
	f.svc.StartSessionFunc = func(ctx context.Context, id domain.Identity, cfg remote.SessionConfig) error {
		return errors.New("offline")
	}

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	assert.Equal(t, "yes", flagcache.Variation(f.cache, "cached", ""))
}

func TestInitialize_PersistsSnapshot(t *testing.T) {
	store, err := storage.NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	f := newFixture(t, WithStorage(store))
	f.svc.SetValues(map[string]any{"a": 1})

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	snap, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, storage.Snapshot{"a": domain.Number(1)}, snap)

	key, last, err := store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", key)
	assert.Equal(t, snap, last)
}

func TestInitialize_AnonymousUsesLastSnapshot(t *testing.T) {
	store, err := storage.NewDiskStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(context.Background(), "someone", storage.Snapshot{"a": domain.Bool(true)}))

	f := newFixture(t, WithStorage(store))
	f.svc.StartSessionFunc = func(ctx context.Context, id domain.Identity, cfg remote.SessionConfig) error {
		return errors.New("offline")
	}

	anon := domain.NewIdentityBuilder("").Build()
	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", anon))

	assert.True(t, flagcache.Variation(f.cache, "a", false))
}

func TestInitialize_CircuitBreakerSkipsRemote(t *testing.T) {
	breaker := circuit.New(circuit.Config{MaxFailures: 1, Timeout: time.Hour})
	f := newFixture(t, WithBreaker(breaker))
	f.svc.StartSessionFunc = func(ctx context.Context, id domain.Identity, cfg remote.SessionConfig) error {
		return errors.New("503")
	}

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	assert.Equal(t, circuit.StateOpen, breaker.GetState())

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	f.svc.AssertCalled(t, "StartSession", 1)
	assert.Equal(t, StateReady, f.manager.State())
	assert.Equal(t, "open", f.manager.Status().Circuit)
}

func TestInitialize_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.svc.ManualReady = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Initialize(ctx, "mob-key", user("u1")) }()

	require.Eventually(t, func() bool { return f.svc.CallCount("StartSession") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The attempt itself carries on.
	f.svc.MarkReady()
	assert.Eventually(t, func() bool { return f.manager.State() == StateReady }, time.Second, 5*time.Millisecond)
}

func TestInitialize_Supersedes(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	first := f.svc.Sessions()[0]
	gen := f.manager.Generation()

	require.NoError(t, f.registry.RegisterPerKey("l1", "a"))
	require.NoError(t, f.registry.RegisterAll("all"))

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u2")))

	assert.True(t, first.Closed())
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, gen+1, f.manager.Generation())
	assert.False(t, f.manager.IsCurrent(gen))
	assert.True(t, f.manager.IsCurrent(gen+1))
	assert.Equal(t, "u2", f.manager.Identity().Key())
	f.svc.AssertCalled(t, "StartSession", 2)
	assert.Len(t, f.svc.Sessions(), 1)
}

func TestInitialize_SupersedesWithoutLiveSession(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	starts := 0
	f.svc.StartSessionFunc = func(ctx context.Context, id domain.Identity, cfg remote.SessionConfig) error {
		mu.Lock()
		defer mu.Unlock()
		starts++
		if starts == 1 {
			return errors.New("offline")
		}
		return nil
	}

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	require.False(t, f.manager.Status().Connected)
	require.NoError(t, f.registry.RegisterPerKey("l1", "a"))

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u2")))
	assert.True(t, f.manager.Status().Connected)
	assert.Equal(t, 0, f.registry.Len())

	f.svc.Set("a", true)
	assert.Never(t, func() bool { return len(f.observed()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestChangeSetsRefreshCacheBeforeObservers(t *testing.T) {
	f := newFixture(t)
	f.svc.SetValues(map[string]any{"a": false})

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	var seen []bool
	f.setHook(func(observer.Event) {
		seen = append(seen, flagcache.Variation(f.cache, "a", false))
	})
	require.NoError(t, f.registry.RegisterPerKey("l1", "a"))

	f.svc.Set("a", true)
	require.Eventually(t, func() bool { return len(f.observed()) == 1 }, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []bool{true}, seen)
	assert.Equal(t, f.manager.Generation(), f.events[0].Generation)
}

func TestIdentify_NotReady(t *testing.T) {
	f := newFixture(t)

	err := f.manager.Identify(context.Background(), user("u2"))
	assert.True(t, domain.IsNotReady(err))
	assert.Equal(t, StateUninitialized, f.manager.State())
}

func TestIdentify_SwitchesValues(t *testing.T) {
	store, err := storage.NewMemoryStorage(storage.Config{MaxEntries: 10})
	require.NoError(t, err)

	f := newFixture(t, WithStorage(store))
	f.svc.SetValues(map[string]any{"tier": "free"})
	f.svc.SetIdentityValues("vip", map[string]any{"tier": "gold"})

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	require.NoError(t, f.manager.Identify(context.Background(), user("vip")))

	assert.Equal(t, StateReady, f.manager.State())
	assert.Equal(t, "vip", f.manager.Identity().Key())
	assert.Equal(t, "gold", flagcache.Variation(f.cache, "tier", ""))
	f.svc.AssertCalled(t, "StartSession", 1)
	f.svc.AssertCalled(t, "Reidentify", 1)

	snap, err := store.Get(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, domain.String("gold"), snap["tier"])
}

func TestIdentify_ConcurrentIdentifyIsNotReady(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	f.svc.ManualReady = true
	done := make(chan error, 1)
	go func() { done <- f.manager.Identify(context.Background(), user("u2")) }()

	require.Eventually(t, func() bool { return f.manager.State() == StateStarting }, time.Second, 5*time.Millisecond)

	err := f.manager.Identify(context.Background(), user("u3"))
	assert.True(t, domain.IsNotReady(err))

	f.svc.MarkReady()
	assert.NoError(t, <-done)
	assert.Equal(t, StateReady, f.manager.State())
	assert.Equal(t, "u2", f.manager.Identity().Key())
}

func TestIdentify_SupersededByInitialize(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	f.svc.ManualReady = true
	identified := make(chan error, 1)
	go func() { identified <- f.manager.Identify(context.Background(), user("u2")) }()
	require.Eventually(t, func() bool { return f.svc.CallCount("Reidentify") == 1 }, time.Second, 5*time.Millisecond)

	initialized := make(chan error, 1)
	go func() { initialized <- f.manager.Initialize(context.Background(), "mob-key", user("u3")) }()

	select {
	case err := <-identified:
		assert.True(t, domain.IsNotReady(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("identify did not resolve when superseded")
	}

	f.svc.MarkReady()
	require.NoError(t, <-initialized)
	assert.Equal(t, "u3", f.manager.Identity().Key())
}

func TestIdentify_TimeoutResolves(t *testing.T) {
	f := newFixture(t, shortTimeouts(30*time.Millisecond))
	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))

	f.svc.ManualReady = true
	require.NoError(t, f.manager.Identify(context.Background(), user("u2")))
	assert.Equal(t, StateReady, f.manager.State())
}

func TestIdentify_StartsRemoteWhenUnavailableBefore(t *testing.T) {
	f := newFixture(t)
	fail := true
	var mu sync.Mutex
	f.svc.StartSessionFunc = func(ctx context.Context, id domain.Identity, cfg remote.SessionConfig) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("offline")
		}
		return nil
	}
	f.svc.SetValues(map[string]any{"a": true})

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	assert.False(t, f.manager.Status().Connected)

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, f.manager.Identify(context.Background(), user("u2")))
	assert.True(t, f.manager.Status().Connected)
	assert.True(t, flagcache.Variation(f.cache, "a", false))
	assert.Equal(t, "mob-key", f.svc.Sessions()[0].Config().ServiceKey)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	require.NoError(t, f.registry.RegisterAll("all"))
	sess := f.svc.Sessions()[0]

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())

	assert.True(t, sess.Closed())
	assert.Equal(t, StateUninitialized, f.manager.State())
	assert.Equal(t, 0, f.registry.Len())
	assert.ErrorIs(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")), ErrClosed)
	assert.True(t, domain.IsNotReady(f.manager.Identify(context.Background(), user("u1"))))
}

func TestClose_DuringStart(t *testing.T) {
	f := newFixture(t)
	f.svc.ManualReady = true

	done := make(chan error, 1)
	go func() { done <- f.manager.Initialize(context.Background(), "mob-key", user("u1")) }()
	require.Eventually(t, func() bool { return len(f.svc.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, f.svc.Sessions())
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClose_WaitsForStart(t *testing.T) {
	var logs syncBuffer
	f := newFixture(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	f.svc.ManualReady = true

	done := make(chan error, 1)
	go func() { done <- f.manager.Initialize(context.Background(), "mob-key", user("u1")) }()
	require.Eventually(t, func() bool { return len(f.svc.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.Close())
	assert.Contains(t, logs.String(), "session initialized")
	assert.ErrorIs(t, <-done, ErrClosed)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.svc.SetValues(map[string]any{"a": 1, "b": 2})

	require.NoError(t, f.manager.Initialize(context.Background(), "mob-key", user("u1")))
	require.NoError(t, f.registry.RegisterPerKey("l1", "a"))

	s := f.manager.Status()
	assert.Equal(t, "ready", s.State)
	assert.Equal(t, "u1", s.IdentityKey)
	assert.True(t, s.Connected)
	assert.Equal(t, 2, s.Flags)
	assert.Equal(t, 1, s.Observers)
	assert.Empty(t, s.Circuit)
}
