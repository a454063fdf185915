package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/loanbus/failure"
)

var errVendor = errors.New("vendor timeout")

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return errVendor
	}
}

func succeeding(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return nil
	}
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("flood", 3, 30*time.Second, WithBreakerClock(clock))
	ctx := context.Background()
	var calls int32

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing(&calls)), errVendor)
		assert.Equal(t, StateClosed, cb.Snapshot().State)
	}
	assert.ErrorIs(t, cb.Execute(ctx, failing(&calls)), errVendor)
	assert.Equal(t, StateOpen, cb.Snapshot().State)
	assert.Equal(t, 3, cb.Snapshot().Failures)

	err := cb.Execute(ctx, failing(&calls))
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "flood", openErr.Name)
	assert.Equal(t, clock.Now().Add(30*time.Second), openErr.RetryAt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "operation must not run while open")
	assert.False(t, failure.IsFatal(err))
}

func TestCircuitBreaker_RecoversAfterResetTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var transitions []string
	cb := NewCircuitBreaker("title", 3, 30*time.Second,
		WithBreakerClock(clock),
		WithStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing(&calls))
	}
	clock.Advance(29 * time.Second)
	var openErr *CircuitOpenError
	assert.ErrorAs(t, cb.Execute(ctx, succeeding(&calls)), &openErr)

	clock.Advance(time.Second)
	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("hoi", 3, 10*time.Second, WithBreakerClock(clock))
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing(&calls))
	}
	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, failing(&calls)), errVendor)
	assert.Equal(t, StateOpen, cb.Snapshot().State)
	assert.Equal(t, 4, cb.Snapshot().Failures)

	var openErr *CircuitOpenError
	assert.ErrorAs(t, cb.Execute(ctx, succeeding(&calls)), &openErr)
}

func TestCircuitBreaker_SingleHalfOpenTrial(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("appraisal", 1, time.Second, WithBreakerClock(clock))
	ctx := context.Background()
	var calls int32

	_ = cb.Execute(ctx, failing(&calls))
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var openErr *CircuitOpenError
	assert.ErrorAs(t, cb.Execute(ctx, succeeding(&calls)), &openErr)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.Snapshot().State)
}

func TestCircuitBreaker_LateSuccessDoesNotCloseTrippedBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("flood", 1, 30*time.Second, WithBreakerClock(clock))
	ctx := context.Background()
	var calls int32

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, failing(&calls)), errVendor)
	require.Equal(t, StateOpen, cb.Snapshot().State)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, cb.Snapshot().State)
	assert.Equal(t, 1, cb.Snapshot().Failures)

	var openErr *CircuitOpenError
	assert.ErrorAs(t, cb.Execute(ctx, succeeding(&calls)), &openErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "operation must not run while open")
}

func TestCircuitBreaker_LateFailureDoesNotReopenRecoveredBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("title", 2, 30*time.Second, WithBreakerClock(clock))
	ctx := context.Background()
	var calls int32

	_ = cb.Execute(ctx, failing(&calls))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return errVendor
		})
	}()
	<-started

	_ = cb.Execute(ctx, failing(&calls))
	require.Equal(t, StateOpen, cb.Snapshot().State)
	clock.Advance(30 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
	require.Equal(t, StateClosed, cb.Snapshot().State)

	close(release)
	assert.ErrorIs(t, <-done, errVendor)
	assert.Equal(t, StateClosed, cb.Snapshot().State)
	assert.Zero(t, cb.Snapshot().Failures)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("flood", 3, time.Minute)
	ctx := context.Background()
	var calls int32

	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
	_ = cb.Execute(ctx, failing(&calls))
	assert.Equal(t, StateClosed, cb.Snapshot().State)
	assert.Equal(t, 1, cb.Snapshot().Failures)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := NewRetryWithBackoff(3, 100*time.Millisecond, time.Second, 2).Policy()

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(10))
}

func TestPolicyBackOff_JitterWithinTenPercent(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	for i := 0; i < 200; i++ {
		b := &policyBackOff{policy: policy, jitter: TenPercentJitter}
		for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
			d := b.NextBackOff()
			assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			assert.LessOrEqual(t, d, base+base/10, "attempt %d", attempt)
		}
	}
}

func TestRetryWithBackoff_Execute(t *testing.T) {
	var waits []time.Duration
	recordJitter := func(d time.Duration) time.Duration {
		waits = append(waits, d)
		return 0
	}
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		waits = nil
		r := NewRetryWithBackoff(3, time.Millisecond, 10*time.Millisecond, 2, WithJitter(recordJitter))
		var calls int32
		err := r.Execute(ctx, func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errVendor
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		r := NewRetryWithBackoff(3, time.Millisecond, 2*time.Millisecond, 2, WithJitter(recordJitter))
		var calls int32
		err := r.Execute(ctx, failing(&calls))
		assert.ErrorIs(t, err, errVendor)
		assert.Equal(t, int32(4), calls)
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		r := NewRetryWithBackoff(3, time.Millisecond, 2*time.Millisecond, 2)
		var calls int32
		fatal := failure.Fatal(errors.New("401 unauthorized"))
		err := r.Execute(ctx, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return fatal
		})
		assert.ErrorIs(t, err, fatal)
		assert.True(t, failure.IsFatal(err))
		assert.Equal(t, int32(1), calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		r := NewRetryWithBackoff(5, time.Hour, time.Hour, 2)
		cctx, cancel := context.WithCancel(ctx)
		var calls int32
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := r.Execute(cctx, failing(&calls))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), calls)
	})
}

func TestGuard_RepeatedTimeoutsTripBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := Guard{
		Breaker: NewCircuitBreaker("flood", 3, time.Minute, WithBreakerClock(clock)),
		Retry:   NewRetryWithBackoff(2, time.Millisecond, time.Millisecond, 1, WithJitter(func(time.Duration) time.Duration { return 0 })),
	}
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Execute(ctx, failing(&calls)), errVendor)
	}
	assert.Equal(t, int32(9), calls)

	var openErr *CircuitOpenError
	assert.ErrorAs(t, g.Execute(ctx, failing(&calls)), &openErr)
	assert.Equal(t, int32(9), calls)
}
