package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls fail fast until Timeout elapses
	StateOpen
	// StateHalfOpen - trial calls are let through
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards calls to the remote service. After MaxFailures
// consecutive failures it opens and rejects calls until Timeout has
// passed; the next call is then a half-open trial.
type Breaker struct {
	mu sync.Mutex

	maxFailures       int
	timeout           time.Duration
	halfOpenSuccesses int
	now               func() time.Time

	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	onStateChange func(from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures int

	// Timeout is how long the circuit stays open before a trial call is allowed
	Timeout time.Duration

	// HalfOpenSuccesses is the number of trial successes needed to close
	HalfOpenSuccesses int

	// OnStateChange is called synchronously, outside the breaker lock
	OnStateChange func(from, to State)

	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxFailures:       3,
		Timeout:           30 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// New creates a closed breaker. Zero limits fall back to DefaultConfig.
func New(config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		maxFailures:       config.MaxFailures,
		timeout:           config.Timeout,
		halfOpenSuccesses: config.HalfOpenSuccesses,
		now:               config.Now,
		state:             StateClosed,
		lastStateChange:   config.Now(),
		onStateChange:     config.OnStateChange,
	}
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	b.totalRequests++

	var transition func()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastStateChange) < b.timeout {
			b.totalRejections++
			err := &CircuitOpenError{
				State:           b.state,
				Failures:        b.failures,
				LastFailureTime: b.lastFailureTime,
			}
			b.mu.Unlock()
			return err
		}
		transition = b.setState(StateHalfOpen)
	}

	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	return nil
}

// Record feeds the result of an allowed call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()

	var transition func()
	if err != nil {
		transition = b.onFailure()
	} else {
		transition = b.onSuccess()
	}

	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func (b *Breaker) onSuccess() func() {
	b.totalSuccesses++
	b.failures = 0

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenSuccesses {
			b.successes = 0
			return b.setState(StateClosed)
		}
	case StateOpen:
		return b.setState(StateClosed)
	}
	return nil
}

func (b *Breaker) onFailure() func() {
	b.totalFailures++
	b.failures++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		return b.setState(StateOpen)
	case StateOpen:
		b.lastStateChange = b.now()
	}
	return nil
}

// setState must be called with b.mu held. The returned func fires the
// state change callback and must be called after unlocking.
func (b *Breaker) setState(newState State) func() {
	oldState := b.state
	if oldState == newState {
		return nil
	}

	b.state = newState
	b.lastStateChange = b.now()

	if b.onStateChange == nil {
		return nil
	}
	callback := b.onStateChange
	return func() { callback(oldState, newState) }
}

func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		TotalRequests:   b.totalRequests,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State           State
	Failures        int
	Successes       int
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejections int64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// CircuitOpenError is returned when the circuit is open
type CircuitOpenError struct {
	State           State
	Failures        int
	LastFailureTime time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s (failures: %d, last failure: %s)",
		e.State.String(), e.Failures, e.LastFailureTime.Format(time.RFC3339))
}

func IsCircuitOpen(err error) bool {
	_, ok := err.(*CircuitOpenError)
	return ok
}
