// Package session runs the lifecycle of the remote session:
// Uninitialized, Starting, Ready.
//
// Initialize is single-flight. Initialize and Identify are the only
// operations that wait, and both are bounded by timeouts. When the remote
// service is unavailable or slow they still resolve, leaving the flag
// cache with whatever values were available (a stored snapshot, or
// nothing).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/circuit"
	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
	"github.com/andre-paraense/launchdarkly-flutter/internal/flagcache"
	"github.com/andre-paraense/launchdarkly-flutter/internal/observer"
	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
	"github.com/andre-paraense/launchdarkly-flutter/internal/storage"
	"github.com/andre-paraense/launchdarkly-flutter/internal/telemetry"
)

// Manager owns the live remote session.
type Manager struct {
	// Dependencies (injected)
	remote    remote.Service
	cache     *flagcache.Cache
	registry  *observer.Registry
	storage   storage.Storage
	breaker   *circuit.Breaker
	logger    *slog.Logger
	telemetry telemetry.Provider

	// Configuration
	config Config

	// State management
	mu         sync.Mutex
	state      State
	identity   domain.Identity
	serviceKey string
	live       remote.Session
	generation uint64
	inflight   *attempt
	genDone    chan struct{} // closed when the current generation ends
	closed     bool
	bg         sync.WaitGroup
}

type attempt struct {
	done chan struct{}
	err  error
}

// Option configures a Manager
type Option func(*Manager)

// WithRemote sets the remote flag service. Required.
func WithRemote(svc remote.Service) Option {
	return func(m *Manager) { m.remote = svc }
}

// WithCache sets the flag cache the manager refreshes. Required.
func WithCache(c *flagcache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithRegistry sets the observer registry. Required.
func WithRegistry(r *observer.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithStorage enables snapshot seeding and persistence.
func WithStorage(s storage.Storage) Option {
	return func(m *Manager) { m.storage = s }
}

// WithBreaker skips remote starts while b is open.
func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Manager) { m.breaker = b }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTelemetry sets the span and metric provider. Defaults to a no-op.
func WithTelemetry(tp telemetry.Provider) Option {
	return func(m *Manager) { m.telemetry = tp }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.config = cfg }
}

// New creates a new manager with the given options
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		config:  DefaultConfig(),
		genDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	// Validate required dependencies
	if m.remote == nil {
		return nil, fmt.Errorf("remote service is required")
	}
	if m.cache == nil {
		return nil, fmt.Errorf("flag cache is required")
	}
	if m.registry == nil {
		return nil, fmt.Errorf("observer registry is required")
	}

	if err := m.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.telemetry == nil {
		m.telemetry = telemetry.NewNoOp()
	}

	return m, nil
}

// Initialize starts a session for identity and waits until the remote
// values are available or the start timeout passes. Callers arriving
// while a start is in flight join it. Initializing a manager that was
// already initialized supersedes the live session, if any, and drops
// every observer.
//
// Unavailability of the remote service is not an error: the session
// becomes Ready with best-effort values.
func (m *Manager) Initialize(ctx context.Context, serviceKey string, identity domain.Identity) error {
	if serviceKey == "" {
		return domain.NewInvalidArgumentError("mobileKey", "must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	a := m.inflight
	if a != nil {
		m.mu.Unlock()
		m.logger.Debug("joining in-flight session start", "identity_key", identity.Key())
	} else {
		a = &attempt{done: make(chan struct{})}
		m.inflight = a

		old := m.live
		reinit := m.state != StateUninitialized
		m.live = nil
		m.state = StateStarting
		m.identity = identity
		m.serviceKey = serviceKey
		gen, genDone := m.nextGenerationLocked()
		m.bg.Add(1)
		m.mu.Unlock()

		if reinit {
			m.supersede(old, gen-1)
		}

		go m.start(context.WithoutCancel(ctx), a, gen, genDone, serviceKey, identity)
	}

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Identify switches the live session to identity and waits, bounded by
// the identify timeout, for its values.
func (m *Manager) Identify(ctx context.Context, identity domain.Identity) error {
	m.mu.Lock()
	if m.state != StateReady || m.closed {
		state := m.state
		m.mu.Unlock()
		return domain.NewNotReadyError("identify", state.String())
	}
	m.state = StateStarting
	m.identity = identity
	gen := m.generation
	genDone := m.genDone
	live := m.live
	serviceKey := m.serviceKey
	m.mu.Unlock()

	began := time.Now()
	ctx, span := m.telemetry.StartSpan(ctx, "session.identify", telemetry.WithAttributes(
		telemetry.String("identity.key", identity.Key()),
		telemetry.Bool("identity.anonymous", identity.Anonymous()),
		telemetry.Bool("remote.live", live != nil),
	))
	defer span.End()

	m.seed(ctx, identity)

	waitCtx, cancel := context.WithTimeout(ctx, m.config.IdentifyTimeout)
	defer cancel()

	var outcome telemetry.Outcome
	if live == nil {
		outcome = m.connect(waitCtx, gen, genDone, serviceKey, identity)
	} else {
		outcome = m.reidentify(waitCtx, gen, genDone, live, identity)
	}

	m.telemetry.RecordIdentify(ctx, outcome, time.Since(began))
	span.SetAttributes(telemetry.String("outcome", string(outcome)))

	m.mu.Lock()
	superseded := gen != m.generation || m.closed
	if !superseded {
		m.state = StateReady
	}
	state := m.state
	m.mu.Unlock()

	if superseded {
		m.logger.Info("identify superseded",
			"identity_key", identity.Key(),
			"duration", time.Since(began))
		return domain.NewNotReadyError("identify", state.String())
	}

	m.logger.Info("identify resolved",
		"identity_key", identity.Key(),
		"outcome", string(outcome),
		"duration", time.Since(began))

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Close releases the live session and drops every observer. A closed
// manager cannot be initialized again.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := m.live
	m.live = nil
	identity := m.identity
	wasReady := m.state == StateReady
	m.state = StateUninitialized
	m.nextGenerationLocked()
	m.mu.Unlock()

	if wasReady && !identity.IsZero() {
		m.persist(identity)
	}
	m.registry.Reset()

	var err error
	if live != nil {
		err = live.Close()
	}
	m.bg.Wait()
	return err
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current session.
func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Generation increases every time a session is superseded or closed.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// IsCurrent reports whether gen is the live generation.
func (m *Manager) IsCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && !m.closed
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       string `json:"state"`
	IdentityKey string `json:"identityKey,omitempty"`
	Anonymous   bool   `json:"anonymous"`
	Generation  uint64 `json:"generation"`
	Connected   bool   `json:"connected"`
	Circuit     string `json:"circuit,omitempty"`
	Flags       int    `json:"flags"`
	Observers   int    `json:"observers"`
}

// Status reports the manager state together with cache and registry sizes.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		State:       m.state.String(),
		IdentityKey: m.identity.Key(),
		Anonymous:   m.identity.Anonymous(),
		Generation:  m.generation,
		Connected:   m.live != nil,
	}
	m.mu.Unlock()

	if m.breaker != nil {
		s.Circuit = m.breaker.GetState().String()
	}
	s.Flags = m.cache.Len()
	s.Observers = m.registry.Len()
	return s
}

// nextGenerationLocked ends the current generation. m.mu must be held.
func (m *Manager) nextGenerationLocked() (uint64, <-chan struct{}) {
	close(m.genDone)
	m.genDone = make(chan struct{})
	m.generation++
	return m.generation, m.genDone
}

// supersede drops the observers of gen and closes its session, if any.
func (m *Manager) supersede(old remote.Session, gen uint64) {
	m.registry.Reset()
	if old == nil {
		m.logger.Info("superseded previous session", "generation", gen, "connected", false)
		return
	}
	if err := old.Close(); err != nil {
		m.logger.Warn("failed to close superseded session",
			"generation", gen,
			"error", err)
	}
	m.logger.Info("superseded previous session", "generation", gen)
}

func (m *Manager) start(ctx context.Context, a *attempt, gen uint64, genDone <-chan struct{}, serviceKey string, identity domain.Identity) {
	defer m.bg.Done()
	began := time.Now()
	ctx, span := m.telemetry.StartSpan(ctx, "session.initialize", telemetry.WithAttributes(
		telemetry.String("identity.key", identity.Key()),
		telemetry.Bool("identity.anonymous", identity.Anonymous()),
		telemetry.Int64("generation", int64(gen)),
		telemetry.Duration("timeout", m.config.StartTimeout),
	))
	defer span.End()

	m.seed(ctx, identity)

	waitCtx, cancel := context.WithTimeout(ctx, m.config.StartTimeout)
	outcome := m.connect(waitCtx, gen, genDone, serviceKey, identity)
	cancel()

	m.telemetry.RecordSessionStart(ctx, outcome, time.Since(began))
	span.SetAttributes(telemetry.String("outcome", string(outcome)))

	m.mu.Lock()
	switch {
	case m.closed:
		a.err = ErrClosed
	case gen == m.generation:
		m.state = StateReady
	}
	if m.inflight == a {
		m.inflight = nil
	}
	m.mu.Unlock()
	close(a.done)

	m.logger.Info("session initialized",
		"identity_key", identity.Key(),
		"generation", gen,
		"outcome", string(outcome),
		"flags", m.cache.Len(),
		"duration", time.Since(began))
}

// connect starts a remote session and waits for it to become ready.
func (m *Manager) connect(ctx context.Context, gen uint64, genDone <-chan struct{}, serviceKey string, identity domain.Identity) telemetry.Outcome {
	if m.breaker != nil {
		if err := m.breaker.Allow(); err != nil {
			m.logger.Warn("remote start skipped, serving cached values",
				"error", domain.NewRemoteUnavailableError("start session", err))
			return telemetry.OutcomeCircuitOpen
		}
	}

	sess, err := m.remote.StartSession(ctx, identity, remote.SessionConfig{
		ServiceKey:   serviceKey,
		StartTimeout: m.config.StartTimeout,
		Offline:      m.config.Offline,
	})
	if err != nil {
		m.recordRemote(err)
		m.logger.Warn("remote session unavailable, serving cached values",
			"error", domain.NewRemoteUnavailableError("start session", err))
		return outcomeFor(ctx, telemetry.OutcomeUnavailable)
	}

	if !m.attach(gen, sess) {
		_ = sess.Close()
		return telemetry.OutcomeCanceled
	}

	select {
	case <-sess.Ready():
		m.recordRemote(nil)
		if m.refresh(gen, identity, sess) {
			m.persist(identity)
		}
		return telemetry.OutcomeReady
	case <-genDone:
		return telemetry.OutcomeCanceled
	case <-ctx.Done():
		m.recordRemote(domain.NewRemoteUnavailableError("start session", ctx.Err()))
		m.logger.Warn("remote session not ready in time, serving cached values",
			"identity_key", identity.Key(),
			"timeout", m.config.StartTimeout)
		m.awaitLate(gen, genDone, sess, sess.Ready(), identity)
		return outcomeFor(ctx, telemetry.OutcomeTimeout)
	}
}

func (m *Manager) reidentify(ctx context.Context, gen uint64, genDone <-chan struct{}, live remote.Session, identity domain.Identity) telemetry.Outcome {
	ready, err := live.Reidentify(ctx, identity)
	if err != nil {
		m.logger.Warn("reidentify failed, serving cached values",
			"identity_key", identity.Key(),
			"error", domain.NewRemoteUnavailableError("identify", err))
		return outcomeFor(ctx, telemetry.OutcomeUnavailable)
	}

	select {
	case <-ready:
		if m.refresh(gen, identity, live) {
			m.persist(identity)
		}
		return telemetry.OutcomeReady
	case <-genDone:
		return telemetry.OutcomeCanceled
	case <-ctx.Done():
		m.logger.Warn("identify not ready in time, serving cached values",
			"identity_key", identity.Key(),
			"timeout", m.config.IdentifyTimeout)
		m.awaitLate(gen, genDone, live, ready, identity)
		return outcomeFor(ctx, telemetry.OutcomeTimeout)
	}
}

// attach makes sess the live session of gen. The cache subscription is
// opened before the registry binds, so the cache is refreshed before
// observers hear about a change-set.
func (m *Manager) attach(gen uint64, sess remote.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.closed {
		return false
	}
	m.live = sess

	if _, err := sess.Subscribe(nil, func(cs remote.ChangeSet) {
		m.onChange(gen, sess, cs)
	}); err != nil {
		m.logger.Warn("failed to subscribe to flag changes", "error", err)
	}
	if err := m.registry.Bind(sess, gen); err != nil {
		m.logger.Warn("failed to restore observer subscriptions", "error", err)
	}
	return true
}

func (m *Manager) onChange(gen uint64, sess remote.Session, cs remote.ChangeSet) {
	if !m.IsCurrent(gen) {
		return
	}
	changed := m.cache.Replace(sess.AllValues())
	m.logger.Debug("flag values changed",
		"keys", cs.Keys,
		"changed", len(changed.Keys))
}

// refresh loads the values of sess into the cache if gen and identity are
// still current.
func (m *Manager) refresh(gen uint64, identity domain.Identity, sess remote.Session) bool {
	m.mu.Lock()
	current := gen == m.generation && !m.closed && m.identity.Key() == identity.Key()
	m.mu.Unlock()

	if !current {
		return false
	}
	m.cache.Replace(sess.AllValues())
	return true
}

// awaitLate refreshes the cache once a session that missed its timeout
// becomes ready.
func (m *Manager) awaitLate(gen uint64, genDone <-chan struct{}, sess remote.Session, ready <-chan struct{}, identity domain.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		select {
		case <-ready:
			if m.refresh(gen, identity, sess) {
				m.recordRemote(nil)
				m.persist(identity)
				m.logger.Info("remote values arrived after timeout",
					"identity_key", identity.Key(),
					"flags", m.cache.Len())
			}
		case <-genDone:
		}
	}()
}

func (m *Manager) seed(ctx context.Context, identity domain.Identity) {
	if m.storage == nil {
		return
	}

	snap, err := m.storage.Get(ctx, identity.Key())
	if errors.Is(err, storage.ErrNotFound) && identity.Anonymous() {
		// Generated keys are new every run; use the last snapshot instead.
		if ss, ok := m.storage.(storage.SnapshotStore); ok {
			_, snap, err = ss.LoadSnapshot(ctx)
		}
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("failed to load stored flag values",
				"identity_key", identity.Key(),
				"error", err)
		}
		return
	}

	m.cache.Replace(snap)
	m.logger.Debug("seeded flag cache from storage",
		"identity_key", identity.Key(),
		"flags", len(snap))
}

func (m *Manager) persist(identity domain.Identity) {
	if m.storage == nil {
		return
	}

	ctx := context.Background()
	snap := storage.Snapshot(m.cache.Snapshot())

	if err := m.storage.Set(ctx, identity.Key(), snap, m.config.SnapshotTTL); err != nil {
		m.logger.Warn("failed to store flag values",
			"identity_key", identity.Key(),
			"error", err)
	}
	if ss, ok := m.storage.(storage.SnapshotStore); ok {
		if err := ss.SaveSnapshot(ctx, identity.Key(), snap); err != nil {
			m.logger.Warn("failed to save snapshot", "error", err)
		}
	}
}

func (m *Manager) recordRemote(err error) {
	if m.breaker != nil {
		m.breaker.Record(err)
	}
}

// outcomeFor distinguishes a caller's cancellation from other outcomes.
func outcomeFor(ctx context.Context, fallback telemetry.Outcome) telemetry.Outcome {
	if errors.Is(ctx.Err(), context.Canceled) {
		return telemetry.OutcomeCanceled
	}
	return fallback
}
