package launchdarkly

import (
	"context"
	"log/slog"

	"github.com/andre-paraense/launchdarkly-flutter/internal/observer"
	"github.com/andre-paraense/launchdarkly-flutter/internal/queue"
	"github.com/andre-paraense/launchdarkly-flutter/internal/telemetry"
)

// dispatcher delivers observer events to the sink from a single
// goroutine, in the order the registry enqueued them.
type dispatcher struct {
	events    *queue.Queue[observer.Event]
	sink      Sink
	current   func(generation uint64) bool
	logger    *slog.Logger
	telemetry telemetry.Provider
}

func (d *dispatcher) enqueue(e observer.Event) {
	if !d.events.Push(e) {
		d.logger.Debug("dropping event after close", "listener_id", string(e.ID))
	}
}

func (d *dispatcher) run(ctx context.Context) {
	d.events.Run(ctx, d.deliver)
}

func (d *dispatcher) deliver(e observer.Event) {
	if !d.current(e.Generation) {
		d.logger.Debug("dropping event of superseded session",
			"listener_id", string(e.ID),
			"generation", e.Generation)
		return
	}

	n := notificationFor(e)
	if d.notify(n) {
		d.telemetry.RecordNotification(context.Background(), n.Method)
	}
}

// notify keeps the dispatcher alive when the sink panics.
func (d *dispatcher) notify(n Notification) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked",
				"method", n.Method,
				"panic", r)
			ok = false
		}
	}()
	d.sink.Notify(n)
	return true
}

func notificationFor(e observer.Event) Notification {
	if e.Scope == observer.ScopePerKey {
		var key string
		if len(e.Keys) > 0 {
			key = e.Keys[0]
		}
		return Notification{
			Method: CallbackFeatureFlagChanged,
			Args: map[string]any{
				ArgFlagKey:    key,
				ArgListenerID: string(e.ID),
			},
		}
	}

	return Notification{
		Method: CallbackAllFlagsChanged,
		Args: map[string]any{
			ArgFlagKeys:   append([]string(nil), e.Keys...),
			ArgListenerID: string(e.ID),
		},
	}
}

type discardSink struct{}

func (discardSink) Notify(Notification) {}
