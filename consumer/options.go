package consumer

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/topology"
)

const (
	DefaultPrefetch = 5
	maxPrefetch     = 5

	maxErrorHeaderLen = 1024

	DefaultMaxRestarts     = 10
	defaultRestartInitial  = time.Second
	defaultRestartInterval = 30 * time.Second
)

type Option func(*Runtime)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(r *Runtime) {
		r.metrics = metrics
	}
}

// WithPrefetch bounds in-flight deliveries. Values are clamped to 1..5.
func WithPrefetch(n int) Option {
	return func(r *Runtime) {
		switch {
		case n < 1:
			n = 1
		case n > maxPrefetch:
			n = maxPrefetch
		}
		r.prefetch = n
	}
}

// WithCache enables the duplicate fast path.
func WithCache(cache Cache) Option {
	return func(r *Runtime) {
		r.cache = cache
	}
}

// WithFailureHandler sets the hook run when a message is dead-lettered.
func WithFailureHandler(fn FailureHandler) Option {
	return func(r *Runtime) {
		r.onFailure = fn
	}
}

// WithExchanges overrides the retry and dead-letter exchanges.
func WithExchanges(retry, deadLetter string) Option {
	return func(r *Runtime) {
		r.retryExchange = retry
		r.deadLetterExchange = deadLetter
	}
}

// WithTopology takes the retry and dead-letter exchanges from t.
func WithTopology(t *topology.Topology) Option {
	return WithExchanges(t.RetryExchange, t.DeadLetterExchange)
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runtime) {
		r.clock = clock
	}
}

// WithRestart bounds how Start resumes consuming after the broker closes the
// delivery stream: at most maxRestarts consecutive restarts, waiting with
// exponential backoff from initial up to max. A run that lasted longer than
// max resets the count.
func WithRestart(maxRestarts int, initial, max time.Duration) Option {
	return func(r *Runtime) {
		r.maxRestarts = maxRestarts
		r.restartInitial = initial
		r.restartMax = max
	}
}

// WithGiveUpHandler is called with the last error when Start stops
// restarting. The process is expected to shut down.
func WithGiveUpHandler(fn func(err error)) Option {
	return func(r *Runtime) {
		r.onGiveUp = fn
	}
}
