// Package resilience protects calls to third-party services with a circuit
// breaker and exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/failure"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CircuitOpenError is returned without calling the operation while the
// breaker is open. Messages failing this way are retried later.
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Kind() failure.Kind { return failure.KindTransient }

// BreakerState is a snapshot of a breaker.
type BreakerState struct {
	State         State
	Failures      int
	LastFailureAt time.Time
}

// CircuitBreaker stops calling a failing dependency after failureThreshold
// failures and lets a single trial call through once resetTimeout passed.
// State is process local.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	clock            clockwork.Clock
	logger           *zap.Logger
	onStateChange    func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	trialRunning  bool
	// generation changes on every transition; results of calls admitted in
	// an earlier generation are discarded.
	generation uint64
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

func WithBreakerClock(clock clockwork.Clock) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = clock
	}
}

func WithBreakerLogger(logger *zap.Logger) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateChange registers a callback invoked, outside the breaker lock,
// on every transition.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		clock:            clockwork.NewRealClock(),
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs op unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	gen, trial, err := cb.before()
	if err != nil {
		return err
	}
	opErr := op(ctx)
	cb.after(gen, trial, opErr)
	return opErr
}

func (cb *CircuitBreaker) before() (gen uint64, trial bool, err error) {
	cb.mu.Lock()
	var transition *[2]State
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			cb.notify(transition[0], transition[1])
		}
	}()

	switch cb.state {
	case StateOpen:
		retryAt := cb.lastFailureAt.Add(cb.resetTimeout)
		if cb.clock.Now().Before(retryAt) {
			return 0, false, &CircuitOpenError{Name: cb.name, RetryAt: retryAt}
		}
		cb.setState(StateHalfOpen)
		cb.trialRunning = true
		transition = &[2]State{StateOpen, StateHalfOpen}
		return cb.generation, true, nil
	case StateHalfOpen:
		if cb.trialRunning {
			return 0, false, &CircuitOpenError{Name: cb.name, RetryAt: cb.clock.Now()}
		}
		cb.trialRunning = true
		return cb.generation, true, nil
	default:
		return cb.generation, false, nil
	}
}

func (cb *CircuitBreaker) after(gen uint64, trial bool, opErr error) {
	cb.mu.Lock()
	if trial {
		cb.trialRunning = false
	}
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	if opErr == nil {
		cb.failures = 0
		cb.setState(StateClosed)
	} else {
		cb.failures++
		cb.lastFailureAt = cb.clock.Now()
		if from == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.setState(StateOpen)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state != to {
		cb.state = to
		cb.generation++
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.logger.Info("circuit breaker state changed",
		zap.String("breaker", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Snapshot returns the current state.
func (cb *CircuitBreaker) Snapshot() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerState{State: cb.state, Failures: cb.failures, LastFailureAt: cb.lastFailureAt}
}
