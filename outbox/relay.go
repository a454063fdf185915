package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/loanbus"
	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/storage"
)

// Publisher delivers a stored event to the outside world.
type Publisher interface {
	Publish(ctx context.Context, event storage.EventRecord) error
	Close() error
}

// Relay drains the outbox table at-least-once. Its methods are meant to run
// as periodic workers, see Workers.
type Relay struct {
	store     storage.Store
	publisher Publisher
	logger    *zap.Logger
	metrics   embedded.MetricsCollector
	backoff   BackoffStrategy

	batchSize           int
	maxAttempts         int
	stuckTimeout        time.Duration
	sentRetention       time.Duration
	deadLetterRetention time.Duration
}

// NewRelay creates a relay. A nil publisher discards events.
func NewRelay(store storage.Store, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:               store,
		publisher:           publisher,
		logger:              zap.NewNop(),
		metrics:             embedded.NopMetrics{},
		batchSize:           defaultBatchSize,
		maxAttempts:         defaultMaxAttempts,
		stuckTimeout:        defaultStuckEventTimeout,
		sentRetention:       defaultSentEventsRetention,
		deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.publisher == nil {
		r.publisher = NewNopPublisher()
	}
	if r.backoff == nil {
		r.backoff = DefaultBackoffStrategy()
	}
	return r
}

// Intervals configures how often each relay worker ticks.
type Intervals struct {
	Process    time.Duration
	DeadLetter time.Duration
	Stuck      time.Duration
	Cleanup    time.Duration
}

// Workers returns the relay's periodic workers for the dispatcher.
func (r *Relay) Workers(iv Intervals, opts ...loanbus.WorkerOption) []embedded.Worker {
	return []embedded.Worker{
		loanbus.NewBaseWorker("outbox_processor", iv.Process, r.logger, r.ProcessEvents, opts...),
		loanbus.NewBaseWorker("outbox_deadletter", iv.DeadLetter, r.logger, r.MoveToDeadLetters, opts...),
		loanbus.NewBaseWorker("outbox_stuck_recovery", iv.Stuck, r.logger, r.RecoverStuckEvents, opts...),
		loanbus.NewBaseWorker("outbox_cleanup", iv.Cleanup, r.logger, r.Cleanup, opts...),
	}
}

// ProcessEvents fetches new and retry-due events, publishes them and marks
// them sent or reschedules them.
func (r *Relay) ProcessEvents(ctx context.Context) error {
	start := time.Now()
	events, err := r.fetchAndMarkEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	r.metrics.RecordDuration("event_processor.fetch_duration", time.Since(start), nil)

	if len(events) == 0 {
		return nil
	}

	r.logger.Info("Fetched events for processing", zap.Int("count", len(events)))
	r.metrics.RecordGauge("event_processor.batch_size", float64(len(events)), nil)

	processed, failed := r.processBatch(ctx, events)

	r.logger.Info("Batch processing completed",
		zap.Int("processed", processed),
		zap.Int("failed", failed))
	r.metrics.RecordDuration("event_processor.duration", time.Since(start), nil)

	return nil
}

func (r *Relay) fetchAndMarkEvents(ctx context.Context) ([]storage.EventRecord, error) {
	events, err := r.store.FetchNewEvents(ctx, r.batchSize)
	if err != nil || len(events) == 0 {
		return nil, err
	}

	eventIDs := make([]int64, len(events))
	for i, event := range events {
		eventIDs[i] = event.ID
	}

	if err := r.store.MarkAsProcessing(ctx, eventIDs); err != nil {
		// The batch is already in memory; stuck recovery resets whatever stays in processing.
		r.logger.Error("failed to mark events as processing", zap.Error(err))
	}

	return events, nil
}

func (r *Relay) processBatch(ctx context.Context, events []storage.EventRecord) (processed, failed int) {
	for _, event := range events {
		select {
		case <-ctx.Done():
			r.logger.Warn("Context cancelled during batch processing", zap.Error(ctx.Err()))
			if err := r.rescheduleEvent(context.Background(), event, ctx.Err()); err != nil {
				r.logger.Error("Failed to reschedule event", zap.Int64("event_id", event.ID), zap.Error(err))
			}
			failed++
			continue
		default:
		}

		if err := r.processSingleEvent(ctx, event); err != nil {
			failed++
			r.logger.Error("Failed to process event",
				zap.Int64("event_id", event.ID),
				zap.Error(err))
		} else {
			processed++
		}
	}
	return
}

func (r *Relay) processSingleEvent(ctx context.Context, event storage.EventRecord) error {
	eventFields := []zap.Field{
		zap.Int64("event_id", event.ID),
		zap.String("tenant_id", event.TenantID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
	}
	tags := map[string]string{"event_type": event.EventType}

	r.logger.Debug("Processing event", eventFields...)

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.metrics.IncrementCounter("event_processor.publish_failed", tags)
		r.logger.Error("Failed to publish event", append(eventFields, zap.Error(err))...)
		if rerr := r.rescheduleEvent(ctx, event, err); rerr != nil {
			return fmt.Errorf("failed to reschedule event: %w", rerr)
		}
		return err
	}

	if err := r.store.MarkAsSent(ctx, event.ID); err != nil {
		// Published but still in processing: stuck recovery retries it, consumers dedupe.
		r.metrics.IncrementCounter("event_processor.mark_sent_failed", tags)
		r.logger.Error("Failed to mark event as sent", append(eventFields, zap.Error(err))...)
		return err
	}

	r.metrics.IncrementCounter("event_processor.publish_success", tags)
	r.logger.Info("Event published successfully", eventFields...)
	return nil
}

func (r *Relay) rescheduleEvent(ctx context.Context, event storage.EventRecord, processingError error) error {
	attempt := event.AttemptCount + 1
	if attempt >= r.maxAttempts {
		r.logger.Error("Event exceeded max attempts, will be moved to dead letter table",
			zap.Int64("event_id", event.ID),
			zap.Error(processingError),
		)
		return r.store.UpdateForRetry(ctx, event.ID, storage.StatusError, time.Now().UTC(), processingError.Error())
	}

	nextAttemptAt := r.backoff.CalculateNextAttempt(attempt)
	r.logger.Info("Scheduling event for retry",
		zap.Int64("event_id", event.ID),
		zap.Time("next_attempt_at", nextAttemptAt),
		zap.Error(processingError),
	)

	return r.store.UpdateForRetry(ctx, event.ID, storage.StatusRetry, nextAttemptAt, processingError.Error())
}

// MoveToDeadLetters moves errored events that used up their attempts to
// the dead-letter table, keeping their last error.
func (r *Relay) MoveToDeadLetters(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("deadletter.duration", time.Since(start), nil)
	}()

	events, err := r.store.FetchEventsToMoveToDeadLetter(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to fetch events for dead-letter queue: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	r.logger.Info("Found events to move to dead-letter queue", zap.Int("count", len(events)))
	r.metrics.RecordGauge("deadletter.batch_size", float64(len(events)), nil)

	movedCount := 0
	for _, event := range events {
		select {
		case <-ctx.Done():
			r.logger.Warn("Context cancelled during dead-letter processing", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		lastError := event.LastError
		if lastError == "" {
			lastError = "unknown error"
		}

		if err := r.store.MoveToDeadLetter(ctx, event, lastError); err != nil {
			r.logger.Error("Failed to move event to dead-letter queue",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			r.metrics.IncrementCounter("deadletter.move_failed", nil)
			continue
		}
		movedCount++
		r.metrics.IncrementCounter("deadletter.move_success", nil)
	}

	r.logger.Info("Finished moving events to dead-letter queue", zap.Int("moved_count", movedCount))
	return nil
}

// RecoverStuckEvents resets events left in processing longer than the stuck
// timeout. Events out of attempts are marked as errored instead.
func (r *Relay) RecoverStuckEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("stuck_events.recovery.duration", time.Since(start), nil)
	}()

	events, err := r.store.FetchStuckEvents(ctx, r.batchSize, r.stuckTimeout)
	if err != nil {
		return fmt.Errorf("failed to query stuck events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	var retryable []int64
	recoveredCount := 0
	for _, event := range events {
		if event.AttemptCount >= r.maxAttempts {
			if err := r.store.UpdateForRetry(ctx, event.ID, storage.StatusError, time.Now().UTC(), "event recovered from stuck state"); err != nil {
				r.logger.Error("Failed to recover stuck event", zap.Int64("id", event.ID), zap.Error(err))
				continue
			}
			r.metrics.IncrementCounter("stuck_events.marked_as_error", nil)
			recoveredCount++
			continue
		}
		retryable = append(retryable, event.ID)
	}

	if len(retryable) > 0 {
		nextAttemptAt := r.backoff.CalculateNextAttempt(0)
		if err := r.store.ResetStuckEvents(ctx, retryable, nextAttemptAt); err != nil {
			return fmt.Errorf("failed to reset stuck events: %w", err)
		}
		r.metrics.IncrementCounter("stuck_events.marked_as_retry", nil)
		recoveredCount += len(retryable)
	}

	r.logger.Info("Stuck event recovery completed",
		zap.Int("recovered_count", recoveredCount),
		zap.Duration("stuck_threshold", r.stuckTimeout),
	)
	r.metrics.RecordGauge("stuck_events.recovered_batch_size", float64(recoveredCount), nil)

	return nil
}

// Cleanup deletes sent events and dead letters past their retention. It
// never fails the worker; errors are logged and counted.
func (r *Relay) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	r.logger.Info("Starting cleanup process")

	sentDeleted, err := r.store.DeleteSentEvents(ctx, r.sentRetention)
	if err != nil {
		r.logger.Error("Failed to clean up sent events", zap.Error(err))
		r.metrics.IncrementCounter("cleanup.sent_events.failed", nil)
	} else if sentDeleted > 0 {
		r.logger.Info("Cleaned up sent events", zap.Int64("count", sentDeleted))
		r.metrics.RecordGauge("cleanup.sent_events.deleted", float64(sentDeleted), nil)
	}

	dlDeleted, err := r.store.DeleteDeadLetterEvents(ctx, r.deadLetterRetention)
	if err != nil {
		r.logger.Error("Failed to clean up dead-letter events", zap.Error(err))
		r.metrics.IncrementCounter("cleanup.dead_letter.failed", nil)
	} else if dlDeleted > 0 {
		r.logger.Info("Cleaned up dead-letter events", zap.Int64("count", dlDeleted))
		r.metrics.RecordGauge("cleanup.dead_letter.deleted", float64(dlDeleted), nil)
	}

	r.logger.Info("Cleanup process finished")
	r.metrics.IncrementCounter("cleanup.executed", nil)

	return nil
}

// Close closes the publisher.
func (r *Relay) Close() error {
	return r.publisher.Close()
}
