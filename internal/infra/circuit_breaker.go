package infra

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit position of a guarded downstream.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // downstream healthy, calls flow
	BreakerOpen                         // downstream failing, calls shed
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig tunes one breaker instance.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open duration before probing
}

// DefaultCircuitBreakerConfig matches the export sink's needs: a dead
// broker sheds exports after a handful of failed writes and gets
// re-probed every 30s.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards an unreliable downstream (the Kafka export
// sink) so its failures shed exports instead of backing the event
// pipeline up. Thread-safe.
type CircuitBreaker struct {
	name string
	now  func() time.Time

	mu           sync.RWMutex
	state        BreakerState
	failures     int
	probeHits    int
	openedAt     time.Time
	failLimit    int
	successLimit int
	timeout      time.Duration
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:         cfg.Name,
		now:          time.Now,
		state:        BreakerClosed,
		failLimit:    cfg.FailureThreshold,
		successLimit: cfg.SuccessThreshold,
		timeout:      cfg.Timeout,
	}
}

// Allow reports whether a call may proceed. An open breaker whose
// timeout has elapsed moves to half-open and lets the probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) > cb.timeout {
			cb.shift(BreakerHalfOpen, "BREAKER_PROBING")
			cb.probeHits = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds back a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.probeHits++
		if cb.probeHits >= cb.successLimit {
			cb.failures = 0
			cb.shift(BreakerClosed, "BREAKER_RECOVERED")
		}
	}
}

// RecordFailure feeds back a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.openedAt = cb.now()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failLimit {
			cb.shift(BreakerOpen, "BREAKER_TRIPPED")
		}
	case BreakerHalfOpen:
		// one failed probe re-opens
		cb.shift(BreakerOpen, "BREAKER_PROBE_FAILED")
	}
}

// State returns the current circuit position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probeHits = 0
	cb.shift(BreakerClosed, "BREAKER_RESET")
}

// shift transitions state under the held lock.
func (cb *CircuitBreaker) shift(to BreakerState, tag string) {
	from := cb.state
	cb.state = to
	slog.Warn(tag,
		slog.String("name", cb.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
