package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "launchdarkly-flutter"
	tracerName = "launchdarkly-flutter"
)

// OTelProvider implements Provider using OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	variationHits    metric.Int64Counter
	variationMisses  metric.Int64Counter
	sessionStarts    metric.Int64Counter
	startDuration    metric.Float64Histogram
	identifyDuration metric.Float64Histogram
	changeSets       metric.Int64Counter
	notifications    metric.Int64Counter
	observers        metric.Int64ObservableGauge
	circuitState     metric.Int64ObservableGauge

	// Gauge backing values
	currentObservers    atomic.Int64
	currentCircuitState atomic.Value
}

// NewOTel creates a provider bound to the global tracer and meter providers.
func NewOTel() (*OTelProvider, error) {
	provider := &OTelProvider{
		tracer: otel.Tracer(tracerName),
		meter:  otel.Meter(meterName),
	}
	provider.currentCircuitState.Store("closed")

	if err := provider.initMetrics(); err != nil {
		return nil, err
	}

	return provider, nil
}

func (o *OTelProvider) initMetrics() error {
	var err error

	o.variationHits, err = o.meter.Int64Counter(
		"ldbridge.variation.hits",
		metric.WithDescription("Variations served from the flag cache"),
	)
	if err != nil {
		return err
	}

	o.variationMisses, err = o.meter.Int64Counter(
		"ldbridge.variation.misses",
		metric.WithDescription("Variations that returned the fallback"),
	)
	if err != nil {
		return err
	}

	o.sessionStarts, err = o.meter.Int64Counter(
		"ldbridge.session.starts",
		metric.WithDescription("Session starts by outcome"),
	)
	if err != nil {
		return err
	}

	o.startDuration, err = o.meter.Float64Histogram(
		"ldbridge.session.start.duration",
		metric.WithDescription("Time until a session start resolved"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.identifyDuration, err = o.meter.Float64Histogram(
		"ldbridge.session.identify.duration",
		metric.WithDescription("Time until an identify resolved"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.changeSets, err = o.meter.Int64Counter(
		"ldbridge.changesets",
		metric.WithDescription("Change-sets received from the remote service"),
	)
	if err != nil {
		return err
	}

	o.notifications, err = o.meter.Int64Counter(
		"ldbridge.notifications",
		metric.WithDescription("Notifications delivered to the host"),
	)
	if err != nil {
		return err
	}

	o.observers, err = o.meter.Int64ObservableGauge(
		"ldbridge.observers",
		metric.WithDescription("Registered change observers"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentObservers.Load())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	o.circuitState, err = o.meter.Int64ObservableGauge(
		"ldbridge.circuit.state",
		metric.WithDescription("Remote start circuit state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.getCircuitStateValue())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	return nil
}

// getCircuitStateValue converts circuit state string to numeric value
func (o *OTelProvider) getCircuitStateValue() int64 {
	state, _ := o.currentCircuitState.Load().(string)
	switch state {
	case "closed":
		return 0
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// StartSpan creates a new trace span
func (o *OTelProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	config := &SpanConfig{}
	for _, opt := range opts {
		opt(config)
	}

	otelAttrs := make([]attribute.KeyValue, len(config.Attributes))
	for i, attr := range config.Attributes {
		otelAttrs[i] = o.convertAttribute(attr)
	}

	ctx, otelSpan := o.tracer.Start(ctx, name,
		trace.WithAttributes(otelAttrs...))

	return ctx, &OTelSpan{span: otelSpan, provider: o}
}

// convertAttribute converts our Attribute to OTel attribute
func (o *OTelProvider) convertAttribute(attr Attribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	case []string:
		return attribute.StringSlice(attr.Key, v)
	default:
		return attribute.String(attr.Key, "")
	}
}

func (o *OTelProvider) RecordVariation(ctx context.Context, flagKey string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("flag.key", flagKey))
	if hit {
		o.variationHits.Add(ctx, 1, attrs)
		return
	}
	o.variationMisses.Add(ctx, 1, attrs)
}

func (o *OTelProvider) RecordSessionStart(ctx context.Context, outcome Outcome, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	o.sessionStarts.Add(ctx, 1, attrs)
	o.startDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (o *OTelProvider) RecordIdentify(ctx context.Context, outcome Outcome, duration time.Duration) {
	o.identifyDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (o *OTelProvider) RecordChangeSet(ctx context.Context, keys int, notified int) {
	o.changeSets.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("changeset.keys", keys),
		attribute.Int("changeset.notified", notified),
	))
}

func (o *OTelProvider) RecordNotification(ctx context.Context, method string) {
	o.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

func (o *OTelProvider) RecordObservers(ctx context.Context, count int) {
	o.currentObservers.Store(int64(count))
}

func (o *OTelProvider) RecordCircuitState(ctx context.Context, state string) {
	o.currentCircuitState.Store(state)
}

// Shutdown is a no-op; SDK providers are shut down by their owner.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return nil
}

// OTelSpan wraps an OpenTelemetry span
type OTelSpan struct {
	span     trace.Span
	provider *OTelProvider
}

func (s *OTelSpan) End() {
	s.span.End()
}

func (s *OTelSpan) SetAttributes(attrs ...Attribute) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		otelAttrs[i] = s.provider.convertAttribute(attr)
	}
	s.span.SetAttributes(otelAttrs...)
}

func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func (s *OTelSpan) AddEvent(name string, attrs ...Attribute) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		otelAttrs[i] = s.provider.convertAttribute(attr)
	}
	s.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}
