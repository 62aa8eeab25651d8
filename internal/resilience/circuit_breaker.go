// Package resilience provides the outbound-call harness for BookingPipe.
//
// This file implements the per-dependency circuit breaker. One breaker
// instance exists per external dependency (reasoning service, scheduling
// backend) and is shared across all sessions: a misbehaving downstream
// protects every concurrent conversation, not just the one that tripped it.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = iota // Calls pass through
	CircuitOpen                         // Calls rejected instantly
	CircuitHalfOpen                     // Exactly one probe call allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines circuit breaker thresholds. Thresholds are
// configuration, not per-call-site constants.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	Timeout          time.Duration // Cooldown before allowing a probe
}

// DefaultBackendBreakerConfig is the default for the scheduling backend.
var DefaultBackendBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	Timeout:          60 * time.Second,
}

// DefaultReasoningBreakerConfig is tighter: reasoning calls happen on every
// turn, so the breaker reacts faster and recovers sooner.
var DefaultReasoningBreakerConfig = BreakerConfig{
	FailureThreshold: 3,
	Timeout:          30 * time.Second,
}

// CircuitOpenError is returned when the breaker rejects a call without
// dispatching it. RetryAfter is the remaining cooldown.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open (retry in %s)", e.Dependency, e.RetryAfter.Round(time.Second))
}

// CircuitBreaker tracks consecutive failures for one external dependency and
// short-circuits calls while the dependency is unhealthy.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	probing             bool
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	slog.Debug("resilience.NewCircuitBreaker: creating breaker", "dependency", name, "failureThreshold", config.FailureThreshold, "timeout", config.Timeout)
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
	}
}

// Call executes fn under the breaker. When open it fails immediately with a
// CircuitOpenError and no dispatch happens. In half-open exactly one probe is
// allowed through; its outcome decides whether the circuit closes or reopens.
// A call aborted by context cancellation before producing a dependency error
// does not count against the breaker.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.record(ctx, err)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset returns the breaker to the closed state with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.probing = false
}

// allow decides whether a call may proceed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := time.Since(cb.lastFailureTime)
		if elapsed < cb.config.Timeout {
			return &CircuitOpenError{Dependency: cb.name, RetryAfter: cb.config.Timeout - elapsed}
		}
		// Cooldown elapsed: allow exactly one probe.
		cb.state = CircuitHalfOpen
		cb.probing = true
		slog.Info("CircuitBreaker.allow: entering half-open", "dependency", cb.name)
		return nil

	case CircuitHalfOpen:
		if cb.probing {
			return &CircuitOpenError{Dependency: cb.name, RetryAfter: cb.config.Timeout}
		}
		cb.probing = true
		return nil

	default:
		return &CircuitOpenError{Dependency: cb.name, RetryAfter: cb.config.Timeout}
	}
}

// record updates breaker state from a call outcome.
func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probing = false
	}

	// A cancelled turn is not evidence that the dependency is unhealthy.
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		slog.Debug("CircuitBreaker.record: ignoring cancelled call", "dependency", cb.name)
		return
	}

	if err == nil {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

// onSuccess resets failures and closes the circuit. Caller holds the lock.
func (cb *CircuitBreaker) onSuccess() {
	if cb.state == CircuitHalfOpen {
		slog.Info("CircuitBreaker.onSuccess: probe succeeded, closing circuit", "dependency", cb.name)
	}
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
}

// onFailure counts the failure and opens the circuit when warranted. Caller
// holds the lock.
func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			slog.Error("CircuitBreaker.onFailure: circuit opened", "dependency", cb.name, "consecutiveFailures", cb.consecutiveFailures, "threshold", cb.config.FailureThreshold)
		} else {
			slog.Warn("CircuitBreaker.onFailure: failure recorded", "dependency", cb.name, "consecutiveFailures", cb.consecutiveFailures, "threshold", cb.config.FailureThreshold)
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		slog.Error("CircuitBreaker.onFailure: probe failed, reopening circuit", "dependency", cb.name)
	}
}
