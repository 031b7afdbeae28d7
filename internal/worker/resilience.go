package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff retry behavior for worker
// dispatch.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages per-role circuit breakers so one flapping
// worker command cannot burn the whole budget on doomed dispatches.
type BreakerRegistry struct {
	mu       sync.Mutex
	log      *zap.Logger
	breakers map[Role]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new registry.
func NewBreakerRegistry(log *zap.Logger) *BreakerRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerRegistry{
		log:      log,
		breakers: make(map[Role]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given role, creating it on
// first use.
func (r *BreakerRegistry) Get(role Role) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(role),
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("circuit breaker state change",
				zap.String("role", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not a worker failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	r.breakers[role] = cb
	return cb
}

// Resilient wraps a worker with exponential backoff retry and circuit
// breaker protection. Only transport errors are retried; a structured
// Result -- including a human-action request -- is a successful dispatch.
type Resilient struct {
	inner Worker
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
}

// NewResilient wraps a worker.
func NewResilient(inner Worker, cb *gobreaker.CircuitBreaker, retry RetryConfig) *Resilient {
	return &Resilient{inner: inner, cb: cb, retry: retry}
}

// Execute implements Worker.
func (r *Resilient) Execute(ctx context.Context, a Assignment) (Result, error) {
	var res Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := r.cb.Execute(func() (interface{}, error) {
			return r.inner.Execute(ctx, a)
		})
		if err != nil {
			// Circuit is open: don't hammer a failing worker.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		res = out.(Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return res, err
}
