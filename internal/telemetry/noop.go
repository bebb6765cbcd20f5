package telemetry

import (
	"context"
	"time"
)

// NoOpProvider is a telemetry provider that does nothing.
// Used when no provider is configured and in tests.
type NoOpProvider struct{}

func NewNoOp() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpProvider) RecordVariation(ctx context.Context, flagKey string, hit bool) {}

func (n *NoOpProvider) RecordSessionStart(ctx context.Context, outcome Outcome, duration time.Duration) {
}

func (n *NoOpProvider) RecordIdentify(ctx context.Context, outcome Outcome, duration time.Duration) {
}

func (n *NoOpProvider) RecordChangeSet(ctx context.Context, keys int, notified int) {}

func (n *NoOpProvider) RecordNotification(ctx context.Context, method string) {}

func (n *NoOpProvider) RecordObservers(ctx context.Context, count int) {}

func (n *NoOpProvider) RecordCircuitState(ctx context.Context, state string) {}

func (n *NoOpProvider) Shutdown(ctx context.Context) error {
	return nil
}

// NoOpSpan is a span that does nothing
type NoOpSpan struct{}

func (n *NoOpSpan) End() {}

func (n *NoOpSpan) SetAttributes(attrs ...Attribute) {}

func (n *NoOpSpan) RecordError(err error) {}

func (n *NoOpSpan) AddEvent(name string, attrs ...Attribute) {}
