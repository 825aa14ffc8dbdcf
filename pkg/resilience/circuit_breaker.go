package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a target's breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it again
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing in half-open
	Timeout time.Duration
	// MaxRequests caps concurrent calls let through while half-open
	MaxRequests int
}

// DefaultCircuitBreakerConfig returns the per-target defaults used by the gateway.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreaker guards calls to a single remote target. An open breaker
// makes the resolver treat the target as unavailable.
type CircuitBreaker struct {
	name             string
	config           CircuitBreakerConfig
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	lastFailure      time.Time
	onChange         func(name string, from, to CircuitState)
	mu               sync.RWMutex
}

// NewCircuitBreaker creates a breaker for the named target.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
	}
}

// OnStateChange registers a callback fired (under the breaker lock) whenever
// the stored state changes. It must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Name returns the guarded target.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

// Allows reports whether a call would currently be admitted, without
// consuming a half-open slot.
func (cb *CircuitBreaker) Allows() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	switch cb.currentState() {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return cb.state != CircuitHalfOpen || cb.halfOpenRequests < cb.config.MaxRequests
	default:
		return true
	}
}

// currentState returns the effective state (must hold lock)
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Execute runs fn with circuit breaker protection. The context is checked
// before admission only; fn is expected to honour it itself.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.state == CircuitOpen {
			cb.transition(CircuitHalfOpen)
			cb.halfOpenRequests = 0
		}
		if cb.halfOpenRequests >= cb.config.MaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
			cb.halfOpenRequests = 0
		}
	case CircuitHalfOpen:
		// any failure while probing reopens
		cb.transition(CircuitOpen)
		cb.halfOpenRequests = 0
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenRequests = 0
		}
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.onChange != nil && from != to {
		cb.onChange(cb.name, from, to)
	}
}

// Reset closes the breaker, e.g. after a successful latency probe.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// Snapshot returns the breaker's counters for the targets endpoint.
func (cb *CircuitBreaker) Snapshot() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return map[string]interface{}{
		"target":      cb.name,
		"state":       cb.currentState().String(),
		"failures":    cb.failures,
		"successes":   cb.successes,
		"lastFailure": cb.lastFailure,
	}
}
