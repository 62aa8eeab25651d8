// Package resilience provides the outbound-call harness for BookingPipe:
// exponential-backoff retry, per-dependency circuit breakers, and a
// fixed-window rate limiter. Every call the orchestrator makes to the
// reasoning service or the scheduling backend passes through this package as
// RateLimiter -> CircuitBreaker -> Retrier(raw call).
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// RetryConfig defines retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Clamp for the exponential backoff
}

// DefaultRetryConfig provides the standard 1s/2s/4s... backoff capped at 8s.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    8 * time.Second,
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// retryableError is implemented by errors that mark themselves retryable
// (see booking.UnavailableError).
type retryableError interface {
	Retryable() bool
}

// DefaultClassifier retries errors that mark themselves retryable and
// network timeouts. Context cancellation and deadline expiry are never
// retried: the turn is over.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var retryable retryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Retrier retries an operation with exponential backoff.
type Retrier struct {
	config      RetryConfig
	shouldRetry Classifier
}

// NewRetrier creates a Retrier. A nil classifier falls back to DefaultClassifier.
func NewRetrier(config RetryConfig, classifier Classifier) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &Retrier{config: config, shouldRetry: classifier}
}

// Delay returns the backoff before the given attempt (1-based): attempt 1 has
// no delay, attempt n waits base * 2^(n-2), clamped to the configured max.
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := r.config.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= r.config.MaxDelay {
			return r.config.MaxDelay
		}
	}
	if delay > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether the error qualifies for another attempt.
func (r *Retrier) ShouldRetry(err error) bool {
	return r.shouldRetry(err)
}

// Do runs fn up to MaxAttempts times, sleeping the backoff delay between
// attempts. It stops early when the error is not retryable or the context is
// done; cancellation aborts the wait immediately.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if delay := r.Delay(attempt); delay > 0 {
			slog.Debug("Retrier.Do: backing off before retry", "operation", operation, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.shouldRetry(lastErr) {
			slog.Debug("Retrier.Do: error not retryable", "operation", operation, "attempt", attempt, "error", lastErr)
			return lastErr
		}
		slog.Warn("Retrier.Do: attempt failed", "operation", operation, "attempt", attempt, "maxAttempts", r.config.MaxAttempts, "error", lastErr)
	}
	return lastErr
}
