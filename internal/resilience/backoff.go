package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffCalculator computes retry delays with exponential backoff and jitter
type BackoffCalculator struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoffCalculator creates a calculator with specified parameters
func NewBackoffCalculator(initialDelay, maxDelay time.Duration, multiplier float64, jitterPercent int) *BackoffCalculator {
	if initialDelay <= 0 {
		initialDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 20
	}

	return &BackoffCalculator{
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// initialDelay * (multiplier ^ attempt)
	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))

	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}

// RetryPolicy bounds how a fallible call is retried
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first. Defaults to 3.
	MaxAttempts int
	Backoff     *BackoffCalculator
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool
	// Name is used in log lines only.
	Name string
}

// DefaultRetryPolicy returns 3 attempts with 500ms base delay and 20% jitter
func DefaultRetryPolicy(name string) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     NewBackoffCalculator(500*time.Millisecond, 10*time.Second, 2.0, 20),
		Retryable:   IsRetryable,
		Name:        name,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Non-retryable errors return immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := policy.Backoff
	if backoff == nil {
		backoff = NewBackoffCalculator(0, 0, 0, 20)
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(backoff.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
