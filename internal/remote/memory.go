package remote

import (
	"context"
	"sync"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
	"github.com/andre-paraense/launchdarkly-flutter/internal/queue"
)

// MemoryService is an in-process Service. Flag values live in memory and
// every update is pushed to the live sessions as a change-set. It backs
// the offline file source and doubles as the test double for the bridge.
type MemoryService struct {
	mu sync.RWMutex

	base      map[string]domain.FlagValue
	overrides map[string]map[string]domain.FlagValue
	resolver  func(domain.Identity) map[string]domain.FlagValue
	sessions  map[*MemorySession]struct{}

	// Mock behaviors
	StartSessionFunc func(ctx context.Context, identity domain.Identity, cfg SessionConfig) error
	ManualReady      bool
	ReadyDelay       time.Duration

	// Call tracking
	StartSessionCalls int
	ReidentifyCalls   int
	SubscribeCalls    int
	UnsubscribeCalls  int
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		base:      make(map[string]domain.FlagValue),
		overrides: make(map[string]map[string]domain.FlagValue),
		sessions:  make(map[*MemorySession]struct{}),
	}
}

// StartSession opens a session for identity. Its values load when the
// session becomes ready.
func (m *MemoryService) StartSession(ctx context.Context, identity domain.Identity, cfg SessionConfig) (Session, error) {
	m.mu.Lock()
	m.StartSessionCalls++
	hook := m.StartSessionFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook != nil {
		if err := hook(ctx, identity, cfg); err != nil {
			return nil, err
		}
	}

	deliveryCtx, cancel := context.WithCancel(context.Background())
	s := &MemorySession{
		svc:        m,
		cfg:        cfg,
		identity:   identity,
		values:     make(map[string]domain.FlagValue),
		deliveries: queue.New[ChangeSet](),
		cancel:     cancel,
	}
	go s.deliveries.Run(deliveryCtx, s.deliver)

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	s.ready = s.newReadiness()
	return s, nil
}

// SetValues replaces the shared flag values.
func (m *MemoryService) SetValues(values map[string]any) {
	m.mu.Lock()
	m.base = toFlagValues(values)
	m.mu.Unlock()

	m.Refresh()
}

// Set changes one shared flag value.
func (m *MemoryService) Set(key string, value any) {
	m.mu.Lock()
	m.base[key] = domain.ValueOf(value)
	m.mu.Unlock()

	m.Refresh()
}

// Delete removes one shared flag.
func (m *MemoryService) Delete(key string) {
	m.mu.Lock()
	delete(m.base, key)
	m.mu.Unlock()

	m.Refresh()
}

// SetIdentityValues overrides values for one identity key.
func (m *MemoryService) SetIdentityValues(identityKey string, values map[string]any) {
	m.mu.Lock()
	m.overrides[identityKey] = toFlagValues(values)
	m.mu.Unlock()

	m.Refresh()
}

// SetResolver replaces the base/override lookup with fn.
func (m *MemoryService) SetResolver(fn func(domain.Identity) map[string]domain.FlagValue) {
	m.mu.Lock()
	m.resolver = fn
	m.mu.Unlock()

	m.Refresh()
}

// Refresh recomputes the values of every loaded session and publishes
// the differences.
func (m *MemoryService) Refresh() {
	for _, s := range m.liveSessions() {
		s.reload()
	}
}

// Emit publishes a change-set to every loaded session without changing values.
func (m *MemoryService) Emit(keys ...string) {
	cs := NewChangeSet(keys...)
	for _, s := range m.liveSessions() {
		s.publish(cs)
	}
}

// MarkReady resolves every pending readiness signal.
func (m *MemoryService) MarkReady() {
	for _, s := range m.liveSessions() {
		s.resolvePending()
	}
}

// Sessions returns the sessions that have not been closed.
func (m *MemoryService) Sessions() []*MemorySession {
	return m.liveSessions()
}

// CallCount returns how many times method was called.
func (m *MemoryService) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch method {
	case "StartSession":
		return m.StartSessionCalls
	case "Reidentify":
		return m.ReidentifyCalls
	case "Subscribe":
		return m.SubscribeCalls
	case "Unsubscribe":
		return m.UnsubscribeCalls
	default:
		return -1
	}
}

// AssertCalled asserts methods were called expected times
func (m *MemoryService) AssertCalled(t interface{ Errorf(string, ...interface{}) }, method string, expected int) {
	actual := m.CallCount(method)
	if actual < 0 {
		t.Errorf("unknown method: %s", method)
		return
	}
	if actual != expected {
		t.Errorf("%s called %d times, expected %d", method, actual, expected)
	}
}

func (m *MemoryService) liveSessions() []*MemorySession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*MemorySession, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *MemoryService) valuesFor(identity domain.Identity) map[string]domain.FlagValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.resolver != nil {
		return copyValues(m.resolver(identity))
	}

	out := copyValues(m.base)
	for key, value := range m.overrides[identity.Key()] {
		out[key] = value
	}
	return out
}

func (m *MemoryService) forget(s *MemorySession) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

func (m *MemoryService) readiness() (manual bool, delay time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ManualReady, m.ReadyDelay
}

// MemorySession is the Session returned by MemoryService.
type MemorySession struct {
	svc        *MemoryService
	cfg        SessionConfig
	deliveries *queue.Queue[ChangeSet]
	cancel     context.CancelFunc

	mu       sync.Mutex
	identity domain.Identity
	values   map[string]domain.FlagValue
	loaded   bool
	ready    <-chan struct{}
	pending  []*signal
	subs     []*memorySubscription
	closed   bool
}

func (s *MemorySession) Ready() <-chan struct{} { return s.ready }

func (s *MemorySession) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *MemorySession) Config() SessionConfig { return s.cfg }

func (s *MemorySession) Reidentify(ctx context.Context, identity domain.Identity) (<-chan struct{}, error) {
	s.svc.mu.Lock()
	s.svc.ReidentifyCalls++
	s.svc.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.identity = identity
	s.mu.Unlock()

	return s.newReadiness(), nil
}

func (s *MemorySession) Evaluate(key string) (domain.FlagValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]
	return value, ok
}

func (s *MemorySession) AllValues() map[string]domain.FlagValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyValues(s.values)
}

func (s *MemorySession) Subscribe(keys []string, handler Handler) (Subscription, error) {
	s.svc.mu.Lock()
	s.svc.SubscribeCalls++
	s.svc.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	sub := &memorySubscription{keys: append([]string(nil), keys...), handler: handler}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *MemorySession) Unsubscribe(sub Subscription) error {
	s.svc.mu.Lock()
	s.svc.UnsubscribeCalls++
	s.svc.mu.Unlock()

	ms, ok := sub.(*memorySubscription)
	if !ok {
		return ErrUnknownSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub == ms {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return nil
		}
	}
	return ErrUnknownSubscription
}

// SubscriptionCount returns the number of active subscriptions.
func (s *MemorySession) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *MemorySession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemorySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = nil
	s.mu.Unlock()

	s.svc.forget(s)
	s.deliveries.Close()
	s.cancel()
	return nil
}

func (s *MemorySession) newReadiness() <-chan struct{} {
	sig := &signal{ch: make(chan struct{})}
	manual, delay := s.svc.readiness()

	switch {
	case manual:
		s.mu.Lock()
		s.pending = append(s.pending, sig)
		s.mu.Unlock()
	case delay > 0:
		time.AfterFunc(delay, func() { s.resolve(sig) })
	default:
		s.resolve(sig)
	}

	return sig.ch
}

func (s *MemorySession) resolvePending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, sig := range pending {
		s.resolve(sig)
	}
}

// resolve loads values for the current identity and fires sig.
func (s *MemorySession) resolve(sig *signal) {
	s.reload()

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()

	sig.fire()
}

func (s *MemorySession) reload() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	identity := s.identity
	s.mu.Unlock()

	next := s.svc.valuesFor(identity)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cs := Diff(s.values, next)
	s.values = next
	publish := s.loaded
	s.mu.Unlock()

	if publish && !cs.Empty() {
		s.publish(cs)
	}
}

func (s *MemorySession) publish(cs ChangeSet) {
	s.deliveries.Push(cs)
}

// deliver runs on the session's delivery goroutine.
func (s *MemorySession) deliver(cs ChangeSet) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		filtered := cs.Filter(sub.keys)
		if filtered.Empty() {
			continue
		}
		sub.handler(filtered)
	}
}

type memorySubscription struct {
	keys    []string
	handler Handler
}

func (s *memorySubscription) Keys() []string {
	return append([]string(nil), s.keys...)
}

type signal struct {
	once sync.Once
	ch   chan struct{}
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}

func toFlagValues(values map[string]any) map[string]domain.FlagValue {
	out := make(map[string]domain.FlagValue, len(values))
	for key, value := range values {
		out[key] = domain.ValueOf(value)
	}
	return out
}

func copyValues(values map[string]domain.FlagValue) map[string]domain.FlagValue {
	out := make(map[string]domain.FlagValue, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
