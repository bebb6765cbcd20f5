// Package remote defines the boundary to the flag evaluation service SDK.
//
// The bridge never talks to the network itself. It starts one Session per
// identity through a Service, reads evaluated values from it, and
// subscribes to its change stream. Implementations must invoke
// subscription handlers from a single delivery goroutine per session, in
// the order the changes were produced.
package remote

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
)

var (
	ErrSessionClosed       = errors.New("remote session closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// SessionConfig is passed to Service.StartSession.
type SessionConfig struct {
	// ServiceKey authenticates the session (the mobile key).
	ServiceKey string

	// StartTimeout bounds how long the caller will wait for Ready.
	StartTimeout time.Duration

	// Offline asks the SDK not to open network connections.
	Offline bool
}

// Service starts remote sessions.
type Service interface {
	StartSession(ctx context.Context, identity domain.Identity, cfg SessionConfig) (Session, error)
}

// Session is one live connection bound to an identity.
type Session interface {
	// Ready is closed once initial flag data is available.
	Ready() <-chan struct{}

	// Reidentify switches the evaluation context. The returned channel is
	// closed once values for the new identity are available.
	Reidentify(ctx context.Context, identity domain.Identity) (<-chan struct{}, error)

	Evaluate(key string) (domain.FlagValue, bool)
	AllValues() map[string]domain.FlagValue

	// Subscribe registers handler for change-sets touching keys. Empty
	// keys subscribes to every change. Handlers receive only the
	// subscribed keys of each change-set, in subscription order.
	Subscribe(keys []string, handler Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error

	Close() error
}

// Subscription is an opaque subscription handle.
type Subscription interface {
	Keys() []string
}

// Handler receives change-sets on the session's delivery goroutine. It
// must not block.
type Handler func(ChangeSet)

// ChangeSet is a batch of flag keys reported as changed together.
type ChangeSet struct {
	Keys []string
}

// NewChangeSet builds a change-set with sorted, de-duplicated keys.
func NewChangeSet(keys ...string) ChangeSet {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return ChangeSet{Keys: out}
}

// Filter returns the keys of cs that are in keys, or cs itself when
// keys is empty.
func (cs ChangeSet) Filter(keys []string) ChangeSet {
	if len(keys) == 0 {
		return cs
	}
	want := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		want[key] = struct{}{}
	}
	var out []string
	for _, key := range cs.Keys {
		if _, ok := want[key]; ok {
			out = append(out, key)
		}
	}
	return ChangeSet{Keys: out}
}

func (cs ChangeSet) Empty() bool { return len(cs.Keys) == 0 }

// Diff returns the keys whose values differ between before and after,
// including keys present in only one of them.
func Diff(before, after map[string]domain.FlagValue) ChangeSet {
	var changed []string
	for key, value := range after {
		old, ok := before[key]
		if !ok || !old.Equal(value) {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	return NewChangeSet(changed...)
}
