package resilience

import (
	"context"
	"errors"
)

// Guard combines retry and a circuit breaker for one dependency.
// Each attempt passes through the breaker; an open breaker ends the retry loop.
type Guard struct {
	Breaker *CircuitBreaker
	Policy  RetryPolicy
}

// NewGuard creates a guard for the named dependency
func NewGuard(breaker *CircuitBreaker, policy RetryPolicy) *Guard {
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	base := policy.Retryable
	policy.Retryable = func(err error) bool {
		if errors.Is(err, ErrCircuitOpen) {
			return false
		}
		return base(err)
	}
	if policy.Name == "" && breaker != nil {
		policy.Name = breaker.Name()
	}
	return &Guard{Breaker: breaker, Policy: policy}
}

// Do runs fn with retries, each attempt guarded by the breaker
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, g.Policy, func(ctx context.Context) error {
		if g.Breaker == nil {
			return fn(ctx)
		}
		return g.Breaker.Execute(ctx, fn)
	})
}
