// Package consumer runs a handler over one command queue. Each delivery is
// decoded, deduplicated and handled inside a tenant transaction; failures are
// routed through the queue's retry ladder or to its dead-letter queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/loanbus/broker"
	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/envelope"
	"github.com/overtonx/loanbus/failure"
	"github.com/overtonx/loanbus/idempotency"
	"github.com/overtonx/loanbus/resilience"
	"github.com/overtonx/loanbus/storage"
	"github.com/overtonx/loanbus/topology"
)

// ErrDeliveriesClosed is returned by Run when the broker stops delivering
// before ctx is done.
var ErrDeliveriesClosed = errors.New("delivery stream closed")

var errDuplicate = errors.New("duplicate message")

// Handler processes one message. ctx carries the tenant transaction; a
// returned error rolls it back.
type Handler func(ctx context.Context, msg *envelope.Envelope) error

// FailureHandler runs in its own tenant transaction once a message is
// dead-lettered.
type FailureHandler func(ctx context.Context, msg *envelope.Envelope, cause error) error

// Cache remembers committed messages so redeliveries skip the database.
type Cache interface {
	Seen(ctx context.Context, messageID, tenantID string) (bool, error)
	Remember(ctx context.Context, messageID, tenantID string) error
}

var _ Cache = (*idempotency.RedisCache)(nil)

// Broker is the broker surface a runtime needs.
type Broker interface {
	broker.Publisher
	broker.Consumer
}

// Deps are the collaborators every runtime needs.
type Deps struct {
	Broker     Broker
	Transactor storage.Transactor
	Ledger     idempotency.Ledger
}

// Runtime consumes one queue. It implements embedded.Worker.
type Runtime struct {
	queue   topology.QueueDescriptor
	handler Handler
	broker  Broker
	tx      storage.Transactor
	ledger  idempotency.Ledger

	cache              Cache
	onFailure          FailureHandler
	prefetch           int
	retryExchange      string
	deadLetterExchange string
	clock              clockwork.Clock
	logger             *zap.Logger
	metrics            embedded.MetricsCollector

	maxRestarts    int
	restartInitial time.Duration
	restartMax     time.Duration
	onGiveUp       func(err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ embedded.Worker = (*Runtime)(nil)

// New creates a runtime for queue.
func New(queue topology.QueueDescriptor, handler Handler, deps Deps, opts ...Option) (*Runtime, error) {
	if err := queue.Validate(); err != nil {
		return nil, err
	}
	switch {
	case handler == nil:
		return nil, fmt.Errorf("queue %s: handler is required", queue.Name)
	case deps.Broker == nil:
		return nil, fmt.Errorf("queue %s: broker is required", queue.Name)
	case deps.Transactor == nil:
		return nil, fmt.Errorf("queue %s: transactor is required", queue.Name)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("queue %s: idempotency ledger is required", queue.Name)
	}

	r := &Runtime{
		queue:              queue,
		handler:            handler,
		broker:             deps.Broker,
		tx:                 deps.Transactor,
		ledger:             deps.Ledger,
		prefetch:           DefaultPrefetch,
		retryExchange:      topology.RetryExchange,
		deadLetterExchange: topology.DeadLetterExchange,
		clock:              clockwork.NewRealClock(),
		logger:             zap.NewNop(),
		metrics:            embedded.NopMetrics{},
		maxRestarts:        DefaultMaxRestarts,
		restartInitial:     defaultRestartInitial,
		restartMax:         defaultRestartInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("queue", queue.Name))
	return r, nil
}

func (r *Runtime) Name() string {
	return "consumer." + r.queue.Name
}

// Run consumes until ctx is done. Deliveries already taken are finished
// with a context that is not cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	deliveries, err := r.broker.Consume(ctx, r.queue.Name, r.prefetch)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", r.queue.Name, err)
	}
	r.logger.Info("Consumer started", zap.Int("prefetch", r.prefetch))

	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	for i := 0; i < r.prefetch; i++ {
		g.Go(func() error {
			for d := range deliveries {
				r.process(work, d)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		r.logger.Info("Consumer stopped")
		return nil
	}
	return fmt.Errorf("queue %s: %w", r.queue.Name, ErrDeliveriesClosed)
}

// Start runs the consumer until ctx is done or Stop is called. A closed
// delivery stream or a failed Consume is retried, see WithRestart.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		r.logger.Warn("Consumer already started")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	defer close(done)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.restartInitial
	bo.MaxInterval = r.restartMax
	restarts := 0
	for {
		started := r.clock.Now()
		err := r.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if r.clock.Since(started) > r.restartMax {
			bo.Reset()
			restarts = 0
		}
		if restarts >= r.maxRestarts {
			r.logger.Error("Consumer failed, giving up", zap.Int("restarts", restarts), zap.Error(err))
			r.metrics.IncrementCounter("consumer.gave_up", r.tags())
			if r.onGiveUp != nil {
				r.onGiveUp(err)
			}
			return
		}
		restarts++
		delay := bo.NextBackOff()
		r.logger.Warn("Consumer interrupted, restarting",
			zap.Int("restart", restarts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.metrics.IncrementCounter("consumer.restarted", r.tags())
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(delay):
		}
	}
}

// Stop stops fetching and waits for in-flight messages.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runtime) tags(extra ...string) map[string]string {
	tags := map[string]string{"queue": r.queue.Name}
	for i := 0; i+1 < len(extra); i += 2 {
		tags[extra[i]] = extra[i+1]
	}
	return tags
}

func (r *Runtime) process(ctx context.Context, d broker.Delivery) {
	start := r.clock.Now()
	r.metrics.IncrementCounter("consumer.received", r.tags())
	defer func() {
		r.metrics.RecordDuration("consumer.process_duration", r.clock.Since(start), r.tags())
	}()

	msg, err := envelope.Decode(d.Body)
	if err != nil {
		r.logger.Warn("Undecodable message", zap.String("message_id", d.MessageID), zap.Error(err))
		r.metrics.IncrementCounter("consumer.decode_failed", r.tags())
		r.deadLetter(ctx, d, nil, err)
		return
	}

	logger := r.logger.With(
		zap.String("message_id", msg.MessageID()),
		zap.String("tenant_id", msg.TenantID),
		zap.String("correlation_id", msg.CorrelationID),
	)

	if r.cache != nil {
		seen, err := r.cache.Seen(ctx, msg.MessageID(), msg.TenantID)
		if err != nil {
			logger.Warn("Duplicate cache unavailable", zap.Error(err))
		} else if seen {
			logger.Debug("Duplicate message skipped from cache")
			r.metrics.IncrementCounter("consumer.duplicate", r.tags("source", "cache"))
			r.ack(logger, d)
			return
		}
	}

	err = r.tx.WithinTenant(ctx, msg.TenantID, func(ctx context.Context) error {
		first, err := r.ledger.RecordIfFirst(ctx, msg.MessageID(), msg.TenantID)
		if err != nil {
			return err
		}
		if !first {
			return errDuplicate
		}
		return r.handler(ctx, msg)
	})

	switch {
	case errors.Is(err, errDuplicate):
		logger.Info("Duplicate message skipped")
		r.metrics.IncrementCounter("consumer.duplicate", r.tags("source", "ledger"))
		r.ack(logger, d)
	case err == nil:
		r.metrics.IncrementCounter("consumer.processed", r.tags())
		r.ack(logger, d)
		if r.cache != nil {
			if err := r.cache.Remember(ctx, msg.MessageID(), msg.TenantID); err != nil {
				logger.Warn("Failed to remember processed message", zap.Error(err))
			}
		}
	default:
		r.fail(ctx, logger, d, msg, err)
	}
}

func (r *Runtime) fail(ctx context.Context, logger *zap.Logger, d broker.Delivery, msg *envelope.Envelope, cause error) {
	var open *resilience.CircuitOpenError
	if errors.As(cause, &open) {
		r.metrics.IncrementCounter("consumer.circuit_open", r.tags("breaker", open.Name))
	}

	if failure.IsFatal(cause) {
		logger.Error("Message failed permanently", zap.Error(cause))
		r.deadLetter(ctx, d, msg, cause)
		return
	}

	attempt := broker.Attempt(d.Headers)
	target, ok := r.queue.RetryTarget(attempt)
	if !ok {
		logger.Error("Retries exhausted", zap.Int("attempt", attempt), zap.Error(cause))
		r.deadLetter(ctx, d, msg, cause)
		return
	}

	out := r.failedMessage(d, cause)
	out.Exchange = r.retryExchange
	out.RoutingKey = target
	out.Headers[broker.HeaderAttempt] = int32(attempt + 1)
	if err := r.broker.Publish(ctx, out); err != nil {
		logger.Error("Failed to publish retry, requeueing", zap.String("retry_queue", target), zap.Error(err))
		r.nack(logger, d, true)
		return
	}

	logger.Warn("Message scheduled for retry",
		zap.String("retry_queue", target),
		zap.Int("attempt", attempt+1),
		zap.Error(cause),
	)
	r.metrics.IncrementCounter("consumer.retried", r.tags("retry_queue", target))
	r.nack(logger, d, false)
}

// deadLetter moves d to the dead-letter queue. msg is nil when the body
// could not be decoded, in which case no failure handler runs.
func (r *Runtime) deadLetter(ctx context.Context, d broker.Delivery, msg *envelope.Envelope, cause error) {
	logger := r.logger.With(zap.String("message_id", d.MessageID))

	out := r.failedMessage(d, cause)
	out.Exchange = r.deadLetterExchange
	out.RoutingKey = r.queue.DLQName
	if err := r.broker.Publish(ctx, out); err != nil {
		logger.Error("Failed to publish to dead-letter queue, requeueing", zap.Error(err))
		r.nack(logger, d, true)
		return
	}
	r.metrics.IncrementCounter("consumer.dead_lettered", r.tags("kind", failure.KindOf(cause).String()))

	if msg != nil && r.onFailure != nil {
		err := r.tx.WithinTenant(ctx, msg.TenantID, func(ctx context.Context) error {
			return r.onFailure(ctx, msg, cause)
		})
		if err != nil {
			logger.Error("Failure handler failed", zap.String("tenant_id", msg.TenantID), zap.Error(err))
			r.metrics.IncrementCounter("consumer.failure_handler_failed", r.tags())
		}
	}
	r.nack(logger, d, false)
}

func (r *Runtime) failedMessage(d broker.Delivery, cause error) broker.Message {
	out := d.Message.Clone()
	reason := cause.Error()
	if len(reason) > maxErrorHeaderLen {
		reason = strings.ToValidUTF8(reason[:maxErrorHeaderLen], "")
	}
	out.Headers[broker.HeaderError] = reason
	out.Headers[broker.HeaderErrorKind] = failure.KindOf(cause).String()
	out.Headers[broker.HeaderOriginalQueue] = r.queue.Name
	out.Headers[broker.HeaderFailedAt] = r.clock.Now().UTC().Format(time.RFC3339Nano)
	return out
}

func (r *Runtime) ack(logger *zap.Logger, d broker.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("Failed to ack message", zap.Error(err))
	}
}

func (r *Runtime) nack(logger *zap.Logger, d broker.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		logger.Error("Failed to nack message", zap.Bool("requeue", requeue), zap.Error(err))
	}
	if requeue {
		r.metrics.IncrementCounter("consumer.requeued", r.tags())
	}
}
