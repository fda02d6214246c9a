package resilience

import (
	"context"
)

// Guard protects one external dependency with a retry policy wrapped around
// a circuit breaker. Each retry attempt passes through the breaker.
type Guard struct {
	Name    string
	Breaker *CircuitBreaker
	Policy  RetryPolicy
}

func NewGuard(name string, policy RetryPolicy, settings BreakerSettings) *Guard {
	return &Guard{
		Name:    name,
		Breaker: NewCircuitBreaker(name, settings),
		Policy:  policy,
	}
}

// Do runs fn under the guard's retry policy and breaker.
func Do[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	return Retry(ctx, g.Policy, g.Name, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.Breaker.Allow(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		g.Breaker.Record(err)
		return v, err
	})
}
