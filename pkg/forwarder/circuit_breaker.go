package forwarder

import (
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker
type CircuitState int32

const (
	// StateClosed forwards normally
	StateClosed CircuitState = iota
	// StateOpen fails fast until the cooldown elapses
	StateOpen
	// StateHalfOpen lets a limited number of probes through
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreaker stops forwarding to an upstream after consecutive failures.
// After the cooldown it admits up to halfOpenMax concurrent probes; a probe
// failure reopens it and successThreshold probe successes close it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	probes           int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenMax      int
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		halfOpenMax:      successThreshold,
		now:              time.Now,
	}
}

// Call runs fn if the breaker admits it, recording the outcome.
// Returns ErrCircuitOpen without calling fn otherwise.
func (cb *CircuitBreaker) Call(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(probe, err == nil)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.successes, cb.probes = 0, 0
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, false
		}
		cb.probes++
		return true, true
	default:
		return false, true
	}
}

func (cb *CircuitBreaker) record(probe, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probes--
	}

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		if !success {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures, cb.successes = 0, 0
		}
	}
}

// trip must be called with cb.mu held
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures, cb.successes = 0, 0
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures, cb.successes, cb.probes = 0, 0, 0
}
