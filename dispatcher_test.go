package loanbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// blockingWorker stands in for a consumer runtime: Start blocks until the
// context ends or Stop is called.
type blockingWorker struct {
	name    string
	started chan struct{}
	stop    chan struct{}
	stops   atomic.Int32
}

func newBlockingWorker(name string) *blockingWorker {
	return &blockingWorker{name: name, started: make(chan struct{}), stop: make(chan struct{})}
}

func (b *blockingWorker) Name() string { return b.name }

func (b *blockingWorker) Start(ctx context.Context) {
	close(b.started)
	select {
	case <-ctx.Done():
	case <-b.stop:
	}
}

func (b *blockingWorker) Stop() {
	if b.stops.Add(1) == 1 {
		close(b.stop)
	}
}

func waitStarted(t *testing.T, workers ...*blockingWorker) {
	t.Helper()
	for _, w := range workers {
		select {
		case <-w.started:
		case <-time.After(time.Second):
			t.Fatalf("%s was not started", w.name)
		}
	}
}

func runDispatcher(ctx context.Context, d *Dispatcher) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Start(ctx)
	}()
	return done
}

func TestDispatcher_StopStopsEveryWorker(t *testing.T) {
	payments := newBlockingWorker("consumer.payments.allocate.v1")
	vendors := newBlockingWorker("consumer.vendor.verify.v1")
	d := NewDispatcher(nil, payments, vendors)
	assert.False(t, d.IsStarted())

	done := runDispatcher(context.Background(), d)
	waitStarted(t, payments, vendors)
	assert.True(t, d.IsStarted())

	d.Stop()
	<-done

	assert.Equal(t, int32(1), payments.stops.Load())
	assert.Equal(t, int32(1), vendors.stops.Load())
	assert.False(t, d.IsStarted())

	d.Stop()
	assert.Equal(t, int32(1), payments.stops.Load())
}

func TestDispatcher_ContextCancellationStopsWorkers(t *testing.T) {
	relay := newBlockingWorker("outbox_processor")
	d := NewDispatcher(zap.NewNop(), relay)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)
	waitStarted(t, relay)

	cancel()
	<-done
	assert.Equal(t, int32(1), relay.stops.Load())
}

func TestDispatcher_RunsPeriodicWorkers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var ticks atomic.Int32
	scheduler := NewBaseWorker("scheduler", 10*time.Second, nil, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, WithWorkerClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runDispatcher(ctx, NewDispatcher(nil, scheduler))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcher_SecondStartIsIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w := newBlockingWorker("queue_monitor")
	d := NewDispatcher(zap.New(core), w)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)
	waitStarted(t, w)

	d.Start(ctx)
	assert.Equal(t, 1, logs.FilterMessage("Dispatcher already started").Len())

	cancel()
	<-done
}

func TestDispatcher_AddAfterStartIsNotRun(t *testing.T) {
	first := newBlockingWorker("consumer.payments.allocate.v1")
	d := NewDispatcher(nil)
	d.Add(first)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d)
	waitStarted(t, first)

	late := newBlockingWorker("late")
	d.Add(late)

	cancel()
	<-done

	select {
	case <-late.started:
		t.Fatal("worker added after start must not run")
	default:
	}
}
