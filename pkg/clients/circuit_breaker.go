package clients

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState is the breaker's position: closed passes calls
// through, open rejects them, half-open probes the downstream.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

type CircuitBreakerConfig struct {
	// Name identifies this breaker in logs and metrics.
	Name string

	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold int

	// SuccessThreshold probe successes close a half-open breaker.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// OnStateChange is invoked on every transition, under the breaker's
	// lock; it must not call back into the breaker. See
	// CircuitBreakerMetricsCallback.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker sheds load from a failing downstream: after
// FailureThreshold consecutive failures, calls fail fast for Timeout, then
// a half-open probe decides whether to close again.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	state         CircuitBreakerState
	failures      int
	successes     int
	lastFailure   time.Time
	cfg           CircuitBreakerConfig
	onStateChange func(name string, from, to CircuitBreakerState)
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		state:         StateClosed,
		cfg:           cfg,
		onStateChange: cfg.OnStateChange,
	}
}

// Call runs fn through the breaker. An open breaker returns an error
// without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.cfg.Timeout {
			failures, last := cb.failures, cb.lastFailure
			cb.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is open (%d consecutive failures, last at %s)",
				cb.name, failures, last.Format(time.RFC3339))
		}
		cb.transition(StateHalfOpen)
		cb.successes = 0
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	}
}

// transition assumes cb.mu is held. The callback runs under the lock, so
// it must not call back into the breaker.
func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns the state, consecutive failure count, and time of the most
// recent failure.
func (cb *CircuitBreaker) Stats() (CircuitBreakerState, int, time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.lastFailure
}
