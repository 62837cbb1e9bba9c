package questionapi

import (
	"errors"
	"sync"
	"time"

	"github.com/clinique-saint-luc/patientbff/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe requests through after the open timeout.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// CircuitBreaker guards the question service. It trips on consecutive
// failures or on the error rate within a tumbling window, and is safe for
// concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time
	onChange func(BreakerState)

	windowStart    time.Time
	windowTotal    int
	windowFailures int

	now func() time.Time
}

// NewCircuitBreaker creates a breaker from configuration, filling in
// defaults for unset thresholds. onChange, if non-nil, is called with the
// new state on every transition, with the breaker lock held.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil if a call may proceed, or ErrBreakerOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expireOpen()
	if cb.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countWindow(false)
	case BreakerHalfOpen:
		cb.probes++
		if cb.probes >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countWindow(true)
		if cb.failures >= cb.cfg.FailureThreshold || cb.errorRateExceeded() {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireOpen()
	return cb.state
}

// expireOpen moves an open breaker to half-open once the timeout elapsed.
// Must be called with lock held.
func (cb *CircuitBreaker) expireOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.transition(BreakerHalfOpen)
	}
}

// transition resets counters for the new state. Must be called with lock held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	cb.state = to
	cb.failures = 0
	cb.probes = 0
	cb.resetWindow()
	if to == BreakerOpen {
		cb.openedAt = cb.now()
	}
	if cb.onChange != nil {
		cb.onChange(to)
	}
}

func (cb *CircuitBreaker) countWindow(failed bool) {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.cfg.ErrorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if failed {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.cfg.ErrorRateThreshold <= 0 || cb.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.cfg.ErrorRateThreshold
}
