// Package resilience provides the per-provider circuit breaker used by
// the service registry and buses to isolate failing providers.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed allows all calls through
	StateClosed State = "closed"
	// StateOpen blocks all calls until the recovery timeout elapses
	StateOpen State = "open"
	// StateHalfOpen allows probe calls while testing recovery
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned by CheckAndRaise when the breaker blocks a call.
type ErrCircuitOpen struct {
	Name string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Config holds circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing
	RecoveryTimeout time.Duration
	// SuccessThreshold is the probe-success count that closes the circuit
	SuccessThreshold int
	// TimeoutDuration bounds individual calls made under this breaker
	TimeoutDuration time.Duration
}

// DefaultConfig returns the thresholds used when a provider registers
// without an explicit breaker config.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		TimeoutDuration:  30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreaker is a threshold-based breaker with a lazily evaluated
// open→half-open transition. It is a pure state object: its own
// operations never fail, and a breaker that has never seen a failure
// reports available with no side effect.
type CircuitBreaker struct {
	name   string
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given thresholds.
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the breaker's identifying name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// IsAvailable reports whether a call may proceed. When the circuit is
// open and the recovery timeout has elapsed it transitions to half-open.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	}
	return false
}

// CheckAndRaise returns ErrCircuitOpen when the breaker is unavailable.
func (cb *CircuitBreaker) CheckAndRaise() error {
	if !cb.IsAvailable() {
		return &ErrCircuitOpen{Name: cb.name}
	}
	return nil
}

// RecordSuccess notes a successful call. In the closed state it resets
// the failure count; in half-open it counts toward closing the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure notes a failed call. Crossing the failure threshold in
// the closed state opens the circuit at most once; any failure during
// half-open reopens it. Additional concurrent failures past the
// threshold are absorbed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
		cb.failures++
	case StateOpen:
		cb.failures++
	}
}

// Reset returns the breaker to a pristine closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailure = time.Time{}
}

// State returns the current state, applying the lazy open→half-open
// transition the same way IsAvailable does.
func (cb *CircuitBreaker) State() State {
	cb.IsAvailable()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		LastFailureTime: cb.lastFailure,
	}
}
