// Package resilience wraps side calls (model discovery, token counting)
// with retry and circuit-breaker policies. Generation calls are exempt:
// their errors pass through to the client untouched.
package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"

	"github.com/phamanh/gemini-bridge/internal/runtime/executor"
)

type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
	ShouldRetry func(err error) bool
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	JitterDelay: 250 * time.Millisecond,
	ShouldRetry: func(err error) bool {
		if err == nil {
			return false
		}
		var be *executor.BackendError
		if errors.As(err, &be) {
			return be.Status == 429 || be.Status >= 500
		}
		return true
	},
}

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	IsSuccessful     func(err error) bool
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client-side errors must not trip the breaker.
			var be *executor.BackendError
			return errors.As(err, &be) && be.Status < 500 && be.Status != 429
		},
	}
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

func (c *CircuitBreaker) Name() string { return c.cb.Name() }

func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	if cfg.ShouldRetry != nil {
		builder = builder.HandleIf(func(_ R, err error) bool { return cfg.ShouldRetry(err) })
	}
	return builder.Build()
}

// Executor combines a retry policy with an optional breaker.
type Executor[R any] struct {
	executor failsafe.Executor[R]
	breaker  *CircuitBreaker
}

func NewExecutor[R any](retryConfig RetryConfig, breakerConfig *BreakerConfig) *Executor[R] {
	rp := NewRetryPolicy[R](retryConfig)

	var breaker *CircuitBreaker
	if breakerConfig != nil {
		breaker = NewCircuitBreaker(*breakerConfig)
	}
	return &Executor[R]{executor: failsafe.With(rp), breaker: breaker}
}

func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	if e.breaker != nil {
		result, err := e.breaker.Execute(func() (any, error) {
			return e.executor.WithContext(ctx).Get(fn)
		})
		if err != nil {
			var zero R
			return zero, err
		}
		return result.(R), nil
	}
	return e.executor.WithContext(ctx).Get(fn)
}

func (e *Executor[R]) CircuitBreaker() *CircuitBreaker { return e.breaker }

// WaitWithContext sleeps for delay unless the context ends first. The
// switch-retry path uses it for its configured pre-retry delay.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryBudget is a token bucket bounding concurrent retries so a backend
// incident cannot turn into a retry storm.
type RetryBudget struct {
	capacity    atomic.Int64
	maxCapacity int64
}

func NewRetryBudget(maxCapacity int64) *RetryBudget {
	if maxCapacity <= 0 {
		maxCapacity = 50
	}
	rb := &RetryBudget{maxCapacity: maxCapacity}
	rb.capacity.Store(maxCapacity)
	return rb
}

func (rb *RetryBudget) TryAcquire() bool {
	for {
		current := rb.capacity.Load()
		if current <= 0 {
			return false
		}
		if rb.capacity.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

func (rb *RetryBudget) Release() {
	for {
		current := rb.capacity.Load()
		if current >= rb.maxCapacity {
			return
		}
		if rb.capacity.CompareAndSwap(current, current+1) {
			return
		}
	}
}

func (rb *RetryBudget) Available() int64 { return rb.capacity.Load() }
