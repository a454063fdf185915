package topology

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTopologyConflict is returned when the broker already holds an exchange or
// queue with different arguments. It must abort startup.
var ErrTopologyConflict = errors.New("topology conflicts with existing broker state")

// Exchange kinds.
const (
	KindTopic  = "topic"
	KindDirect = "direct"
)

// Queue argument keys understood by the broker.
const (
	ArgMessageTTL           = "x-message-ttl"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// Declarer is the broker surface needed to build the topology. Every call
// must be idempotent for identical arguments and fail with an error wrapping
// ErrTopologyConflict for conflicting ones.
type Declarer interface {
	DeclareExchange(ctx context.Context, name, kind string) error
	DeclareQueue(ctx context.Context, name string, args map[string]interface{}) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
}

// RetryQueueArgs makes a retry queue hold messages for delay and then
// dead-letter them through the default exchange straight back to primary.
func RetryQueueArgs(primary string, delay time.Duration) map[string]interface{} {
	return map[string]interface{}{
		ArgMessageTTL:           delay.Milliseconds(),
		ArgDeadLetterExchange:   "",
		ArgDeadLetterRoutingKey: primary,
	}
}

// Declare creates every exchange, queue and binding of t. It is safe to run
// on every start.
func Declare(ctx context.Context, d Declarer, t *Topology) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	exchanges := []struct{ name, kind string }{
		{t.CommandExchange, KindTopic},
		{t.RetryExchange, KindDirect},
		{t.DeadLetterExchange, KindDirect},
	}
	if t.EventExchange != "" {
		exchanges = append(exchanges, struct{ name, kind string }{t.EventExchange, KindTopic})
	}
	for _, ex := range exchanges {
		if err := d.DeclareExchange(ctx, ex.name, ex.kind); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	for _, q := range t.Queues {
		if err := declareQueue(ctx, d, t, q); err != nil {
			return err
		}
	}
	return nil
}

func declareQueue(ctx context.Context, d Declarer, t *Topology, q QueueDescriptor) error {
	if q.Exchange != t.CommandExchange {
		if err := d.DeclareExchange(ctx, q.Exchange, KindTopic); err != nil {
			return fmt.Errorf("declare exchange %s: %w", q.Exchange, err)
		}
	}
	if err := d.DeclareQueue(ctx, q.Name, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.Name, err)
	}
	if err := d.BindQueue(ctx, q.Name, q.Exchange, q.RoutingKey); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	for _, delay := range q.RetryLadder {
		name := RetryQueueName(q.Name, delay)
		if err := d.DeclareQueue(ctx, name, RetryQueueArgs(q.Name, delay)); err != nil {
			return fmt.Errorf("declare retry queue %s: %w", name, err)
		}
		if err := d.BindQueue(ctx, name, t.RetryExchange, name); err != nil {
			return fmt.Errorf("bind retry queue %s: %w", name, err)
		}
	}

	if err := d.DeclareQueue(ctx, q.DLQName, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", q.DLQName, err)
	}
	if err := d.BindQueue(ctx, q.DLQName, t.DeadLetterExchange, q.DLQName); err != nil {
		return fmt.Errorf("bind dead-letter queue %s: %w", q.DLQName, err)
	}
	return nil
}
