package loanbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/overtonx/loanbus/embedded"
)

// Dispatcher owns the lifecycle of every long-running component of a loanbus
// process: consumer runtimes, the queue monitor, the scheduler and the outbox
// relay workers.
type Dispatcher struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []embedded.Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewDispatcher creates a dispatcher for the given workers.
func NewDispatcher(logger *zap.Logger, workers ...embedded.Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Add registers more workers. It has no effect once the dispatcher started.
func (d *Dispatcher) Add(workers ...embedded.Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.logger.Warn("Workers added after start are ignored", zap.Int("count", len(workers)))
		return
	}
	d.workers = append(d.workers, workers...)
}

// Start runs all workers and blocks until ctx is cancelled or Stop is called,
// then waits for every worker to return.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	workers := append([]embedded.Worker(nil), d.workers...)
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(workers)))

	for _, w := range workers {
		d.wg.Add(1)
		go func(worker embedded.Worker) {
			defer d.wg.Done()
			d.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			d.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-d.stopChan:
		d.logger.Info("Stop signal received, stopping dispatcher")
	}

	d.wg.Wait()
	d.logger.Info("Dispatcher shutdown complete")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop asks every worker to finish. It is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if !d.started {
			d.logger.Warn("Attempted to stop a dispatcher that was not started")
			return
		}
		d.logger.Info("Stopping dispatcher")
		close(d.stopChan)

		for _, worker := range d.workers {
			worker.Stop()
		}
	})
}

// IsStarted reports whether Start is currently running.
func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}
