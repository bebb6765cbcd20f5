package launchdarkly

// Methods the host may call.
const (
	MethodInit     = "init"
	MethodIdentify = "identify"

	MethodBoolVariation           = "boolVariation"
	MethodBoolVariationFallback   = "boolVariationFallback"
	MethodStringVariation         = "stringVariation"
	MethodStringVariationFallback = "stringVariationFallback"
	MethodIntVariation            = "intVariation"
	MethodIntVariationFallback    = "intVariationFallback"
	MethodDoubleVariation         = "doubleVariation"
	MethodDoubleVariationFallback = "doubleVariationFallback"
	MethodJSONVariation           = "jsonVariation"
	MethodJSONVariationFallback   = "jsonVariationFallback"
	MethodAllFlags                = "allFlags"

	MethodRegisterFeatureFlagListener   = "registerFeatureFlagListener"
	MethodUnregisterFeatureFlagListener = "unregisterFeatureFlagListener"
	MethodRegisterAllFlagsListener      = "registerAllFlagsListener"
	MethodUnregisterAllFlagsListener    = "unregisterAllFlagsListener"
)

// Methods the bridge calls on the host.
const (
	// CallbackFeatureFlagChanged carries flagKey and listenerId.
	CallbackFeatureFlagChanged = "callbackRegisterFeatureFlagListener"

	// CallbackAllFlagsChanged carries flagKeys and listenerId.
	CallbackAllFlagsChanged = "callbackAllFlagsListener"
)

// Argument names understood by Handle.
const (
	ArgMobileKey         = "mobileKey"
	ArgUserKey           = "userKey"
	ArgAnonymous         = "anonymous"
	ArgUser              = "user"
	ArgCustom            = "custom"
	ArgPrivateAttributes = "privateAttributes"
	ArgFlagKey           = "flagKey"
	ArgFlagKeys          = "flagKeys"
	ArgFallback          = "fallback"
	ArgListenerID        = "listenerId"
)

// MethodCall is one command from the host.
type MethodCall struct {
	Method string         `json:"method" cbor:"method"`
	Args   map[string]any `json:"args,omitempty" cbor:"args,omitempty"`
}

// Result answers a MethodCall. NotImplemented is set for unknown methods,
// in which case Value is nil.
type Result struct {
	Value          any  `json:"value"`
	NotImplemented bool `json:"notImplemented,omitempty"`
}

// Success wraps value as a successful result.
func Success(value any) Result {
	return Result{Value: value}
}

// NotImplemented is the result for a method the bridge does not handle.
func NotImplemented() Result {
	return Result{NotImplemented: true}
}

// Notification is a fire-and-forget call from the bridge to the host.
type Notification struct {
	Method string         `json:"method" cbor:"method"`
	Args   map[string]any `json:"args" cbor:"args"`
}

// Sink receives notifications. Notify is always called from the same
// goroutine, in the order the remote service reported the changes.
type Sink interface {
	Notify(Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }
