package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/failure"
)

// RetryPolicy computes delay(attempt) = min(base*multiplier^attempt, max).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Delay returns the delay before retry number attempt+1, without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jitter returns the extra random wait added to a delay.
type Jitter func(delay time.Duration) time.Duration

// TenPercentJitter adds up to 10% of the delay.
func TenPercentJitter(delay time.Duration) time.Duration {
	limit := int64(delay) / 10
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(limit + 1))
}

// policyBackOff adapts RetryPolicy to backoff.BackOff.
type policyBackOff struct {
	policy  RetryPolicy
	jitter  Jitter
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d + b.jitter(d)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// RetryWithBackoff retries an operation up to MaxRetries times after the
// first attempt. Fatal errors are returned at once.
type RetryWithBackoff struct {
	policy RetryPolicy
	jitter Jitter
	logger *zap.Logger
	name   string
}

// RetryOption configures RetryWithBackoff.
type RetryOption func(*RetryWithBackoff)

func WithJitter(j Jitter) RetryOption {
	return func(r *RetryWithBackoff) {
		r.jitter = j
	}
}

func WithRetryLogger(logger *zap.Logger) RetryOption {
	return func(r *RetryWithBackoff) {
		r.logger = logger
	}
}

func WithRetryName(name string) RetryOption {
	return func(r *RetryWithBackoff) {
		r.name = name
	}
}

// NewRetryWithBackoff creates a retrier.
func NewRetryWithBackoff(maxRetries int, baseDelay, maxDelay time.Duration, multiplier float64, opts ...RetryOption) *RetryWithBackoff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	r := &RetryWithBackoff{
		policy: RetryPolicy{
			MaxRetries: maxRetries,
			BaseDelay:  baseDelay,
			MaxDelay:   maxDelay,
			Multiplier: multiplier,
		},
		jitter: TenPercentJitter,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured policy.
func (r *RetryWithBackoff) Policy() RetryPolicy { return r.policy }

// Execute runs op, retrying on non-fatal errors, and returns the last error
// once retries are exhausted.
func (r *RetryWithBackoff) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	operation := func() (struct{}, error) {
		err := op(ctx)
		if err != nil && failure.IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&policyBackOff{policy: r.policy, jitter: r.jitter}),
		backoff.WithMaxTries(uint(r.policy.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("retrying after error",
				zap.String("operation", r.name),
				zap.Duration("delay", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

// Guard composes a breaker around a retrier so repeated exhausted retries
// trip the breaker instead of retrying forever.
type Guard struct {
	Breaker *CircuitBreaker
	Retry   *RetryWithBackoff
}

// Execute runs breaker.Execute(retry.Execute(op)).
func (g Guard) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return g.Breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Retry.Execute(ctx, op)
	})
}
