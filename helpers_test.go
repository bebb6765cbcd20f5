package launchdarkly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
)

// recordingSink collects notifications.
type recordingSink struct {
	mu  sync.Mutex
	got []Notification
	ch  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan struct{}, 1024)}
}

func (s *recordingSink) Notify(n Notification) {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *recordingSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

func (s *recordingSink) wait(t *testing.T, n int) []Notification {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i+1)
		}
	}
	return s.all()
}

const markerKey = "__marker"

// settle pushes a marker change-set through the bridge and waits for it,
// so every earlier notification has been delivered. It returns the
// notifications seen so far, without the marker's.
func (s *recordingSink) settle(t *testing.T, b *Bridge, svc *remote.MemoryService) []Notification {
	t.Helper()

	ctx := context.Background()
	res := b.Handle(ctx, MethodCall{Method: MethodRegisterFeatureFlagListener, Args: map[string]any{
		ArgFlagKey: markerKey,
	}})
	require.Equal(t, true, res.Value)
	defer b.Handle(ctx, MethodCall{Method: MethodUnregisterFeatureFlagListener, Args: map[string]any{
		ArgFlagKey: markerKey,
	}})

	svc.Emit(markerKey)

	deadline := time.After(2 * time.Second)
	for {
		for _, n := range s.all() {
			if n.Method == CallbackFeatureFlagChanged && n.Args[ArgListenerID] == markerKey {
				return withoutMarker(s.all())
			}
		}
		select {
		case <-s.ch:
		case <-deadline:
			t.Fatal("marker notification never arrived")
		}
	}
}

func withoutMarker(in []Notification) []Notification {
	var out []Notification
	for _, n := range in {
		if n.Args[ArgFlagKey] == markerKey {
			continue
		}
		if keys, ok := n.Args[ArgFlagKeys].([]string); ok && len(keys) == 1 && keys[0] == markerKey {
			continue
		}
		out = append(out, n)
	}
	return out
}

// newTestBridge creates a bridge over a fresh in-memory service.
func newTestBridge(t testing.TB, opts ...Option) (*Bridge, *remote.MemoryService, *recordingSink) {
	t.Helper()

	svc := remote.NewMemoryService()
	sink := newRecordingSink()

	base := []Option{
		WithRemote(svc),
		WithSink(sink),
		WithStartTimeout(time.Second),
		WithIdentifyTimeout(time.Second),
	}
	b, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, svc, sink
}

func call(b *Bridge, method string, args map[string]any) Result {
	return b.Handle(context.Background(), MethodCall{Method: method, Args: args})
}

func initBridge(t testing.TB, b *Bridge, userKey string) {
	t.Helper()
	res := call(b, MethodInit, map[string]any{ArgMobileKey: "sdk-x", ArgUserKey: userKey})
	require.Equal(t, true, res.Value)
}
