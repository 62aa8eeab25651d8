package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// transientErr marks itself retryable, mirroring backend unavailability.
type transientErr struct{}

func (transientErr) Error() string   { return "transient failure" }
func (transientErr) Retryable() bool { return true }

func TestRetrierDelayProgression(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 8 * time.Second}, nil)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 0},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 8 * time.Second}, // clamped
	}
	for _, tt := range tests {
		if got := r.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}

	// Successive delays grow until the clamp.
	if !(r.Delay(1) < r.Delay(2) && r.Delay(2) < r.Delay(3)) {
		t.Error("delays should grow with the attempt number")
	}
}

func TestRetrierDelayClamp(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 3 * time.Second}, nil)
	if got := r.Delay(3); got != 2*time.Second {
		t.Errorf("Delay(3) = %v, want 2s", got)
	}
	if got := r.Delay(4); got != 3*time.Second {
		t.Errorf("Delay(4) = %v, want clamp 3s", got)
	}
	if got := r.Delay(9); got != 3*time.Second {
		t.Errorf("Delay(9) = %v, want clamp 3s", got)
	}
}

func TestRetrierDoSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)

	attempts := 0
	err := r.Do(context.Background(), "test_op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return transientErr{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetrierDoStopsOnNonRetryableError(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)

	permanent := errors.New("invalid email address")
	attempts := 0
	err := r.Do(context.Background(), "test_op", func(ctx context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-retryable error must not be retried: got %d attempts", attempts)
	}
}

func TestRetrierDoExhaustsAttempts(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)

	attempts := 0
	err := r.Do(context.Background(), "test_op", func(ctx context.Context) error {
		attempts++
		return transientErr{}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetrierDoRespectsContextCancellation(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "test_op", func(ctx context.Context) error {
			attempts++
			return transientErr{}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before the backoff wait, got %d", attempts)
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"retryable marker", transientErr{}, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.expected {
				t.Errorf("DefaultClassifier(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
