package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed passes calls through, counting consecutive failures
	CircuitClosed CircuitState = iota
	// CircuitOpen short-circuits every call until the cool-down elapses
	CircuitOpen
	// CircuitHalfOpen lets a single probe through to test recovery
	CircuitHalfOpen
)

// String returns a human-readable representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrCircuitOpen is returned without calling the dependency while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds the parameters for one circuit breaker
type BreakerConfig struct {
	// Name identifies the guarded dependency (e.g. "classifier", "companion", "store")
	Name string

	// FailureThreshold consecutive failures trip the breaker. Defaults to 5.
	FailureThreshold int

	// SuccessThreshold consecutive half-open successes close it. Defaults to 1.
	SuccessThreshold int

	// Cooldown is how long the breaker stays open before probing. Defaults to 30s.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// StateChangeFunc observes breaker transitions
type StateChangeFunc func(name string, from, to CircuitState)

// CircuitBreaker guards one external dependency
type CircuitBreaker struct {
	config        BreakerConfig
	mu            sync.Mutex
	state         CircuitState
	failures      int
	successes     int
	openedAt      time.Time
	probeInFlight bool
	listeners     []StateChangeFunc
	now           func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config.withDefaults(),
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Name returns the guarded dependency name
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// OnStateChange registers an observer. Observers run outside the breaker's lock.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Execute runs fn through the breaker. While open it returns ErrCircuitOpen
// without calling fn. Errors classified as permanent or validation count
// neither as failures nor as successes.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	switch {
	case callErr == nil:
		cb.recordSuccess(probe)
	case countsAsFailure(callErr):
		cb.recordFailure(probe)
	default:
		cb.releaseProbe(probe)
	}
	return callErr
}

// State returns the current state, promoting open to half-open once the
// cool-down has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	transition := cb.maybeHalfOpen()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(transition)
	return state
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.transitionTo(CircuitClosed)
	cb.mu.Unlock()
	cb.notify(transition)
}

// Counts returns the consecutive failure and success counters
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

type transition struct {
	from, to CircuitState
	fire     bool
}

func (cb *CircuitBreaker) allow() (probe bool, err error) {
	cb.mu.Lock()
	t := cb.maybeHalfOpen()

	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		cb.notify(t)
		return false, nil
	case CircuitHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			cb.notify(t)
			return false, ErrCircuitOpen
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		cb.notify(t)
		return true, nil
	default:
		cb.mu.Unlock()
		cb.notify(t)
		return false, ErrCircuitOpen
	}
}

// maybeHalfOpen moves open -> half-open after the cool-down. Caller holds mu.
func (cb *CircuitBreaker) maybeHalfOpen() transition {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		return cb.transitionTo(CircuitHalfOpen)
	}
	return transition{}
}

func (cb *CircuitBreaker) recordSuccess(probe bool) {
	cb.mu.Lock()
	var t transition
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		if probe {
			cb.probeInFlight = false
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			t = cb.transitionTo(CircuitClosed)
		}
	}
	cb.mu.Unlock()
	cb.notify(t)
}

func (cb *CircuitBreaker) releaseProbe(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	cb.probeInFlight = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) recordFailure(probe bool) {
	cb.mu.Lock()
	var t transition
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			t = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		if probe {
			cb.probeInFlight = false
		}
		t = cb.transitionTo(CircuitOpen)
	case CircuitOpen:
		cb.openedAt = cb.now()
	}
	cb.mu.Unlock()
	cb.notify(t)
}

// transitionTo changes state and resets counters. Caller holds mu.
func (cb *CircuitBreaker) transitionTo(to CircuitState) transition {
	from := cb.state
	if from == to {
		return transition{}
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probeInFlight = false
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	return transition{from: from, to: to, fire: true}
}

func (cb *CircuitBreaker) notify(t transition) {
	if !t.fire {
		return
	}

	log.Printf("🔌 [BREAKER] %s: %s -> %s", cb.config.Name, t.from, t.to)

	cb.mu.Lock()
	listeners := append([]StateChangeFunc(nil), cb.listeners...)
	cb.mu.Unlock()

	for _, fn := range listeners {
		fn(cb.config.Name, t.from, t.to)
	}
}
