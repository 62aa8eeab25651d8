// Package resilience provides the outbound-call harness for BookingPipe.
//
// This file implements a fixed-window rate limiter keyed by caller identity
// (session ID for API turns, remote number for webhook turns). Budgets are
// tracked separately per minute and per hour.
package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RateLimiterConfig defines the per-caller call budgets.
type RateLimiterConfig struct {
	PerMinute int
	PerHour   int
}

// DefaultRateLimiterConfig allows 10 calls per minute and 100 per hour.
var DefaultRateLimiterConfig = RateLimiterConfig{
	PerMinute: 10,
	PerHour:   100,
}

// RateLimitedError is returned when a caller exceeds its budget. RetryAfter
// tells the caller how long until the exhausted window resets; the
// orchestrator turns it into a user-visible "please wait" reply, never a hard
// failure.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (retry in %s)", e.Key, e.RetryAfter.Round(time.Second))
}

// callerWindow tracks one caller's counters for the current windows.
type callerWindow struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
}

// RateLimiter caps the call rate per caller with fixed minute and hour
// windows. It is shared process-wide across sessions.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	callers map[string]*callerWindow
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the given budgets.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	slog.Debug("resilience.NewRateLimiter: creating limiter", "perMinute", config.PerMinute, "perHour", config.PerHour)
	return &RateLimiter{
		config:  config,
		callers: make(map[string]*callerWindow),
		now:     time.Now,
	}
}

// Allow consumes one call from the caller's budget. It returns a
// RateLimitedError when a window is exhausted, with the time until that
// window resets, and nil otherwise.
func (l *RateLimiter) Allow(key string) *RateLimitedError {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	window, ok := l.callers[key]
	if !ok {
		window = &callerWindow{minuteStart: now, hourStart: now}
		l.callers[key] = window
	}

	// Reset expired windows.
	if now.Sub(window.minuteStart) >= time.Minute {
		window.minuteStart = now
		window.minuteCount = 0
	}
	if now.Sub(window.hourStart) >= time.Hour {
		window.hourStart = now
		window.hourCount = 0
	}

	if l.config.PerMinute > 0 && window.minuteCount >= l.config.PerMinute {
		retryAfter := time.Minute - now.Sub(window.minuteStart)
		slog.Warn("RateLimiter.Allow: minute budget exhausted", "key", key, "retryAfter", retryAfter)
		return &RateLimitedError{Key: key, RetryAfter: retryAfter}
	}
	if l.config.PerHour > 0 && window.hourCount >= l.config.PerHour {
		retryAfter := time.Hour - now.Sub(window.hourStart)
		slog.Warn("RateLimiter.Allow: hour budget exhausted", "key", key, "retryAfter", retryAfter)
		return &RateLimitedError{Key: key, RetryAfter: retryAfter}
	}

	window.minuteCount++
	window.hourCount++
	return nil
}
