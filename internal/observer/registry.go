// Package observer tracks the host's change observers and fans remote
// change-sets out to them.
//
// All observers of one flag key share a single remote subscription, and
// all wildcard observers share one wildcard subscription. Remote handlers
// only snapshot the matching observers and enqueue events; delivery to
// the host happens elsewhere.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
	"github.com/andre-paraense/launchdarkly-flutter/internal/telemetry"
)

// ID identifies an observer. Registering an ID again replaces it.
type ID string

type Scope int

const (
	ScopePerKey Scope = iota
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopePerKey:
		return "per-key"
	case ScopeAll:
		return "all-flags"
	default:
		return "unknown"
	}
}

// Observer is a registered observer.
type Observer struct {
	ID    ID
	Scope Scope
	Key   string // set for ScopePerKey
}

// Event is one notification owed to one observer.
type Event struct {
	ID         ID
	Scope      Scope
	Keys       []string
	Generation uint64
}

// Registry is safe for concurrent use.
type Registry struct {
	enqueue   func(Event)
	logger    *slog.Logger
	telemetry telemetry.Provider

	mu         sync.Mutex
	observers  map[ID]Observer
	byKey      map[string]map[ID]struct{}
	all        map[ID]struct{}
	keySubs    map[string]remote.Subscription
	allSub     remote.Subscription
	session    remote.Session
	generation uint64
}

// New creates a registry that hands events to enqueue. enqueue is called
// from remote delivery goroutines and must not block.
func New(enqueue func(Event), logger *slog.Logger, tp telemetry.Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if tp == nil {
		tp = telemetry.NewNoOp()
	}
	return &Registry{
		enqueue:   enqueue,
		logger:    logger,
		telemetry: tp,
		observers: make(map[ID]Observer),
		byKey:     make(map[string]map[ID]struct{}),
		all:       make(map[ID]struct{}),
		keySubs:   make(map[string]remote.Subscription),
	}
}

// RegisterPerKey registers id for changes of key. An existing observer
// with the same id is replaced.
func (r *Registry) RegisterPerKey(id ID, key string) error {
	if id == "" {
		return domain.NewInvalidArgumentError("listenerId", "must not be empty")
	}
	if key == "" {
		return domain.NewInvalidArgumentError("flagKey", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.observers[id]; ok && prev.Scope == ScopePerKey && prev.Key == key {
		return nil
	}

	if err := r.ensureKeySubscription(key); err != nil {
		return err
	}

	r.removeLocked(id)
	r.observers[id] = Observer{ID: id, Scope: ScopePerKey, Key: key}
	if r.byKey[key] == nil {
		r.byKey[key] = make(map[ID]struct{})
	}
	r.byKey[key][id] = struct{}{}

	r.recordCount()
	return nil
}

// RegisterAll registers id for every change-set.
func (r *Registry) RegisterAll(id ID) error {
	if id == "" {
		return domain.NewInvalidArgumentError("listenerId", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.observers[id]; ok && prev.Scope == ScopeAll {
		return nil
	}

	if err := r.ensureAllSubscription(); err != nil {
		return err
	}

	r.removeLocked(id)
	r.observers[id] = Observer{ID: id, Scope: ScopeAll}
	r.all[id] = struct{}{}

	r.recordCount()
	return nil
}

// Unregister removes id if it is registered with scope, and reports
// whether it was removed. An observer of the other scope is left alone.
func (r *Registry) Unregister(id ID, scope Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.observers[id]; !ok || o.Scope != scope {
		return false
	}
	r.removeLocked(id)
	r.recordCount()
	return true
}

// Observers returns every registered observer, ordered by id.
func (r *Registry) Observers() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Bind attaches the registry to session. Remote subscriptions are opened
// for the observers registered so far; change-sets are tagged with
// generation.
func (r *Registry) Bind(session remote.Session, generation uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.session = session
	r.generation = generation
	r.keySubs = make(map[string]remote.Subscription)
	r.allSub = nil

	var errs []error
	for key := range r.byKey {
		if err := r.ensureKeySubscription(key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(r.all) > 0 {
		if err := r.ensureAllSubscription(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("bind registry: %d subscriptions failed: %w", len(errs), errs[0])
	}
	return nil
}

// Reset drops every observer and remote subscription and detaches from
// the session.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		for key, sub := range r.keySubs {
			r.unsubscribe(sub, key)
		}
		if r.allSub != nil {
			r.unsubscribe(r.allSub, "*")
		}
	}

	r.observers = make(map[ID]Observer)
	r.byKey = make(map[string]map[ID]struct{})
	r.all = make(map[ID]struct{})
	r.keySubs = make(map[string]remote.Subscription)
	r.allSub = nil
	r.session = nil

	r.recordCount()
}

// removeLocked deletes id and releases subscriptions nobody uses anymore.
func (r *Registry) removeLocked(id ID) bool {
	prev, ok := r.observers[id]
	if !ok {
		return false
	}
	delete(r.observers, id)

	switch prev.Scope {
	case ScopePerKey:
		ids := r.byKey[prev.Key]
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byKey, prev.Key)
			if sub, ok := r.keySubs[prev.Key]; ok {
				delete(r.keySubs, prev.Key)
				r.unsubscribe(sub, prev.Key)
			}
		}
	case ScopeAll:
		delete(r.all, id)
		if len(r.all) == 0 && r.allSub != nil {
			sub := r.allSub
			r.allSub = nil
			r.unsubscribe(sub, "*")
		}
	}
	return true
}

func (r *Registry) ensureKeySubscription(key string) error {
	if r.session == nil {
		return nil
	}
	if _, ok := r.keySubs[key]; ok {
		return nil
	}

	generation := r.generation
	sub, err := r.session.Subscribe([]string{key}, func(cs remote.ChangeSet) {
		r.dispatchKey(generation, key, cs)
	})
	if err != nil {
		return domain.NewRemoteUnavailableError("subscribe "+key, err)
	}
	r.keySubs[key] = sub
	return nil
}

func (r *Registry) ensureAllSubscription() error {
	if r.session == nil || r.allSub != nil {
		return nil
	}

	generation := r.generation
	sub, err := r.session.Subscribe(nil, func(cs remote.ChangeSet) {
		r.dispatchAll(generation, cs)
	})
	if err != nil {
		return domain.NewRemoteUnavailableError("subscribe all flags", err)
	}
	r.allSub = sub
	return nil
}

func (r *Registry) unsubscribe(sub remote.Subscription, key string) {
	if r.session == nil {
		return
	}
	if err := r.session.Unsubscribe(sub); err != nil {
		r.logger.Warn("failed to release remote subscription",
			"flag_key", key,
			"error", err)
	}
}

func (r *Registry) dispatchKey(generation uint64, key string, cs remote.ChangeSet) {
	ids := r.snapshot(generation, func() map[ID]struct{} { return r.byKey[key] })
	for _, id := range ids {
		r.enqueue(Event{ID: id, Scope: ScopePerKey, Keys: []string{key}, Generation: generation})
	}
	r.telemetry.RecordChangeSet(context.Background(), len(cs.Keys), len(ids))
}

func (r *Registry) dispatchAll(generation uint64, cs remote.ChangeSet) {
	if cs.Empty() {
		return
	}
	keys := remote.NewChangeSet(cs.Keys...).Keys

	ids := r.snapshot(generation, func() map[ID]struct{} { return r.all })
	for _, id := range ids {
		r.enqueue(Event{ID: id, Scope: ScopeAll, Keys: append([]string(nil), keys...), Generation: generation})
	}
	r.telemetry.RecordChangeSet(context.Background(), len(keys), len(ids))
}

// snapshot copies the ids of set under the lock. Change-sets from a
// superseded session yield nothing.
func (r *Registry) snapshot(generation uint64, set func() map[ID]struct{}) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil || generation != r.generation {
		return nil
	}

	ids := make([]ID, 0, len(set()))
	for id := range set() {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) recordCount() {
	r.telemetry.RecordObservers(context.Background(), len(r.observers))
}
