package outbox

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/overtonx/loanbus/resilience"
)

// BackoffStrategy decides when a failed event is published again.
type BackoffStrategy interface {
	CalculateNextAttempt(attempt int) time.Time
}

// ExponentialBackoff schedules retries with a resilience.RetryPolicy.
type ExponentialBackoff struct {
	policy resilience.RetryPolicy
	jitter resilience.Jitter
	clock  clockwork.Clock
}

// NewExponentialBackoff creates a strategy doubling from baseDelay up to maxDelay.
func NewExponentialBackoff(baseDelay, maxDelay time.Duration, clock clockwork.Clock) *ExponentialBackoff {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ExponentialBackoff{
		policy: resilience.RetryPolicy{BaseDelay: baseDelay, MaxDelay: maxDelay, Multiplier: 2},
		jitter: resilience.TenPercentJitter,
		clock:  clock,
	}
}

// DefaultBackoffStrategy retries after 1m, 2m, 4m ... capped at 30m.
func DefaultBackoffStrategy() *ExponentialBackoff {
	return NewExponentialBackoff(defaultBaseDelay, defaultMaxDelay, nil)
}

func (b *ExponentialBackoff) CalculateNextAttempt(attempt int) time.Time {
	if attempt > 0 {
		attempt--
	}
	d := b.policy.Delay(attempt)
	return b.clock.Now().UTC().Add(d + b.jitter(d))
}
