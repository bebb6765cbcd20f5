// Package launchdarkly bridges a host application to a remote feature flag
// service.
//
// A Bridge owns one session with the remote service, answers flag
// variation queries from a local cache, and notifies the host when flag
// values change. The host drives it with MethodCall values, the same
// command table a mobile plugin channel carries:
//
//	bridge, err := launchdarkly.New(
//	    launchdarkly.WithRemote(svc),
//	    launchdarkly.WithSink(sink),
//	)
//	if err != nil {
//	    return err
//	}
//	defer bridge.Close()
//
//	bridge.Handle(ctx, launchdarkly.MethodCall{
//	    Method: launchdarkly.MethodInit,
//	    Args:   map[string]any{"mobileKey": "mob-123", "userKey": "u1"},
//	})
//	res := bridge.Handle(ctx, launchdarkly.MethodCall{
//	    Method: launchdarkly.MethodBoolVariationFallback,
//	    Args:   map[string]any{"flagKey": "new-ui", "fallback": false},
//	})
package launchdarkly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/circuit"
	"github.com/andre-paraense/launchdarkly-flutter/internal/flagcache"
	"github.com/andre-paraense/launchdarkly-flutter/internal/observer"
	"github.com/andre-paraense/launchdarkly-flutter/internal/queue"
	"github.com/andre-paraense/launchdarkly-flutter/internal/session"
	"github.com/andre-paraense/launchdarkly-flutter/internal/storage"
	"github.com/andre-paraense/launchdarkly-flutter/internal/telemetry"
)

// Bridge is the single entry point for the host. It is safe for
// concurrent use.
type Bridge struct {
	logger        *slog.Logger
	telemetry     telemetry.Provider
	ownsTelemetry bool

	cache      *flagcache.Cache
	registry   *observer.Registry
	session    *session.Manager
	storage    storage.Storage
	dispatcher *dispatcher

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New creates a Bridge with the given options. WithRemote is required.
func New(opts ...Option) (*Bridge, error) {
	cfg := newBridgeConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.remote == nil {
		return nil, &ConfigError{Field: "remote", Message: "a remote service is required"}
	}
	if err := cfg.config.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{logger: cfg.logger}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	b.telemetry = cfg.telemetry
	if b.telemetry == nil {
		if cfg.config.Telemetry.Enabled {
			provider, err := telemetry.NewOTel()
			if err != nil {
				return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
			}
			b.telemetry = provider
			b.ownsTelemetry = true
		} else {
			b.telemetry = telemetry.NewNoOp()
		}
	}

	b.storage = cfg.storage
	if b.storage == nil {
		store, err := newStorage(cfg.config.Storage)
		if err != nil {
			return nil, err
		}
		b.storage = store
	}

	var sink Sink = discardSink{}
	if cfg.sink != nil {
		sink = cfg.sink
	}

	b.cache = flagcache.New(b.telemetry)
	b.dispatcher = &dispatcher{
		events:    queue.New[observer.Event](),
		sink:      sink,
		logger:    b.logger,
		telemetry: b.telemetry,
	}
	b.registry = observer.New(b.dispatcher.enqueue, b.logger, b.telemetry)

	sessionOpts := []session.Option{
		session.WithRemote(cfg.remote),
		session.WithCache(b.cache),
		session.WithRegistry(b.registry),
		session.WithLogger(b.logger),
		session.WithTelemetry(b.telemetry),
		session.WithConfig(session.Config{
			StartTimeout:    cfg.config.Session.StartTimeout,
			IdentifyTimeout: cfg.config.Session.IdentifyTimeout,
			Offline:         cfg.config.Session.Offline,
			SnapshotTTL:     cfg.config.Storage.TTL,
		}),
	}
	if b.storage != nil {
		sessionOpts = append(sessionOpts, session.WithStorage(b.storage))
	}
	if cb := cfg.config.CircuitBreaker; cb.Threshold > 0 {
		sessionOpts = append(sessionOpts, session.WithBreaker(circuit.New(circuit.Config{
			MaxFailures:   cb.Threshold,
			Timeout:       cb.Timeout,
			OnStateChange: b.onCircuitStateChange,
		})))
	}

	mgr, err := session.New(sessionOpts...)
	if err != nil {
		if b.storage != nil {
			_ = b.storage.Close()
		}
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}
	b.session = mgr
	b.dispatcher.current = mgr.IsCurrent

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.dispatcher.run(ctx)

	return b, nil
}

func newStorage(cfg StorageConfig) (storage.Storage, error) {
	switch cfg.Mode {
	case StorageMemory:
		storageCfg := storage.DefaultConfig()
		storageCfg.MaxEntries = cfg.MaxIdentities
		storageCfg.DefaultTTL = cfg.TTL
		s, err := storage.NewMemoryStorage(storageCfg)
		if err != nil {
			return nil, &ConfigError{Field: "storage", Message: "cannot create memory storage", Err: err}
		}
		return s, nil
	case StorageDisk:
		s, err := storage.NewDiskStorage(cfg.Dir)
		if err != nil {
			return nil, &ConfigError{Field: "storage.dir", Message: "cannot create disk storage", Err: err}
		}
		return s, nil
	default:
		return nil, nil
	}
}

// Handle runs one host command. It never fails: errors are logged and
// reported to the host as false, and unknown methods yield
// NotImplemented. init and identify wait for the remote service, bounded
// by their timeouts; every other method returns immediately.
func (b *Bridge) Handle(ctx context.Context, call MethodCall) Result {
	a := args(call.Args)

	switch call.Method {
	case MethodInit:
		return Success(b.initialize(ctx, a))
	case MethodIdentify:
		return Success(b.identify(ctx, a))

	case MethodBoolVariation:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), false))
	case MethodBoolVariationFallback:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), a.boolean(ArgFallback)))
	case MethodStringVariation:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), ""))
	case MethodStringVariationFallback:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), a.str(ArgFallback)))
	case MethodIntVariation:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), 0))
	case MethodIntVariationFallback:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), a.integer(ArgFallback)))
	case MethodDoubleVariation:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), 0.0))
	case MethodDoubleVariationFallback:
		return Success(flagcache.Variation(b.cache, a.str(ArgFlagKey), a.number(ArgFallback)))
	case MethodJSONVariation:
		return Success(flagcache.JSONVariation(b.cache, a.str(ArgFlagKey), nil))
	case MethodJSONVariationFallback:
		return Success(flagcache.JSONVariation(b.cache, a.str(ArgFlagKey), a.value(ArgFallback)))
	case MethodAllFlags:
		return Success(b.cache.AllValues())

	case MethodRegisterFeatureFlagListener:
		return Success(b.registerFeatureFlagListener(a))
	case MethodUnregisterFeatureFlagListener:
		return Success(b.registry.Unregister(perKeyListenerID(a), observer.ScopePerKey))
	case MethodRegisterAllFlagsListener:
		return Success(b.registerAllFlagsListener(a))
	case MethodUnregisterAllFlagsListener:
		return Success(b.registry.Unregister(observer.ID(a.str(ArgListenerID)), observer.ScopeAll))

	default:
		b.logger.Debug("method not implemented", "method", call.Method)
		return NotImplemented()
	}
}

func (b *Bridge) initialize(ctx context.Context, a args) bool {
	mobileKey := a.str(ArgMobileKey)
	if mobileKey == "" {
		b.logger.Warn("init rejected", "method", MethodInit, "error", errMissingMobileKey)
		return false
	}

	if err := b.session.Initialize(ctx, mobileKey, a.identity()); err != nil {
		b.logger.Warn("init failed", "method", MethodInit, "error", err)
		return false
	}
	return true
}

func (b *Bridge) identify(ctx context.Context, a args) bool {
	if err := b.session.Identify(ctx, a.identity()); err != nil {
		b.logger.Warn("identify failed", "method", MethodIdentify, "error", err)
		return false
	}
	return true
}

func (b *Bridge) registerFeatureFlagListener(a args) bool {
	key := a.str(ArgFlagKey)
	id := perKeyListenerID(a)

	if err := b.registry.RegisterPerKey(id, key); err != nil {
		b.logger.Warn("failed to register flag listener",
			"method", MethodRegisterFeatureFlagListener,
			"flag_key", key,
			"listener_id", string(id),
			"error", err)
		return false
	}
	return true
}

func (b *Bridge) registerAllFlagsListener(a args) bool {
	id := observer.ID(a.str(ArgListenerID))

	if err := b.registry.RegisterAll(id); err != nil {
		b.logger.Warn("failed to register all-flags listener",
			"method", MethodRegisterAllFlagsListener,
			"listener_id", string(id),
			"error", err)
		return false
	}
	return true
}

// perKeyListenerID falls back to the flag key, so hosts that identify
// listeners by flag key alone keep working.
func perKeyListenerID(a args) observer.ID {
	if id := a.str(ArgListenerID); id != "" {
		return observer.ID(id)
	}
	return observer.ID(a.str(ArgFlagKey))
}

func (b *Bridge) onCircuitStateChange(from, to circuit.State) {
	b.logger.Warn("remote circuit breaker state changed",
		"from", from.String(),
		"to", to.String())
	b.telemetry.RecordCircuitState(context.Background(), to.String())
}

// Status reports the session state.
func (b *Bridge) Status() session.Status {
	return b.session.Status()
}

// Observers lists the registered change listeners, ordered by id.
func (b *Bridge) Observers() []observer.Observer {
	return b.registry.Observers()
}

// AllFlags returns a copy of the cached flag values.
func (b *Bridge) AllFlags() map[string]any {
	return b.cache.AllValues()
}

// Close releases the remote session, stops notification delivery and
// closes the snapshot store. Notifications still queued are dropped.
// Close is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		var errs []error

		if err := b.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}

		b.dispatcher.events.Close()
		b.cancel()
		<-b.dispatcher.events.Done()

		if b.storage != nil {
			if err := b.storage.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close storage: %w", err))
			}
		}

		if b.ownsTelemetry {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
			cancel()
		}

		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}
