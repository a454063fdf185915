package loanbus

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// WorkFunc is one tick of a periodic worker.
type WorkFunc func(ctx context.Context) error

// BaseWorker runs a WorkFunc on a fixed interval until it is stopped.
// Monitor polling, scheduler claims and the outbox relay all run on it.
type BaseWorker struct {
	name      string
	interval  time.Duration
	logger    *zap.Logger
	clock     clockwork.Clock
	immediate bool
	workFunc  WorkFunc

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// WorkerOption configures a BaseWorker.
type WorkerOption func(*BaseWorker)

// WithWorkerClock replaces the wall clock, mostly for tests.
func WithWorkerClock(clock clockwork.Clock) WorkerOption {
	return func(w *BaseWorker) {
		w.clock = clock
	}
}

// WithImmediateRun makes the worker run once right after Start instead of
// waiting for the first tick.
func WithImmediateRun() WorkerOption {
	return func(w *BaseWorker) {
		w.immediate = true
	}
}

// NewBaseWorker creates a periodic worker.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc WorkFunc, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks until ctx is cancelled or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	if w.immediate {
		w.run(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker stopping", zap.String("name", w.name))
			return
		case <-w.stopChan:
			w.logger.Info("Stop signal received, worker stopping", zap.String("name", w.name))
			return
		case <-ticker.Chan():
			// Stop may have raced with the tick.
			select {
			case <-w.stopChan:
				return
			default:
			}
			w.run(ctx)
		}
	}
}

func (w *BaseWorker) run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx.Err() != nil {
		return
	}

	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop signals the loop to exit and waits for a running WorkFunc to return.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Name returns the worker name.
func (w *BaseWorker) Name() string {
	return w.name
}
