// Package amqpbroker implements broker.Broker on RabbitMQ.
package amqpbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/broker"
	"github.com/overtonx/loanbus/topology"
)

var _ broker.Broker = (*Broker)(nil)

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Broker holds one connection, a confirm-mode channel for publishing and a
// channel for topology declarations. Each consumer gets its own channel so
// prefetch applies per consumer.
type Broker struct {
	conn   *amqp.Connection
	logger *zap.Logger
	name   string

	pubMu sync.Mutex
	pubCh *amqp.Channel

	declMu sync.Mutex
	declCh *amqp.Channel
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithConnectionName names the connection in the management UI.
func WithConnectionName(name string) Option {
	return func(b *Broker) {
		b.name = name
	}
}

// Dial connects to RabbitMQ and opens the publishing channel in confirm mode.
func Dial(url string, opts ...Option) (*Broker, error) {
	b := &Broker{logger: zap.NewNop(), name: "loanbus"}
	for _, opt := range opts {
		opt(b)
	}

	cfg := amqp.Config{Properties: amqp.NewConnectionProperties()}
	cfg.Properties.SetClientConnectionName(b.name)
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	b.conn = conn

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	b.pubCh = pubCh

	go b.watch()
	return b, nil
}

func (b *Broker) watch() {
	closed := b.conn.NotifyClose(make(chan *amqp.Error, 1))
	if err, ok := <-closed; ok && err != nil {
		b.logger.Error("rabbitmq connection closed", zap.Int("code", err.Code), zap.String("reason", err.Reason))
	}
}

// declChannel returns the declaration channel, reopening it after the server
// closed it for a failed declaration.
func (b *Broker) declChannel() (*amqp.Channel, error) {
	if b.declCh != nil && !b.declCh.IsClosed() {
		return b.declCh, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open declare channel: %w", err)
	}
	b.declCh = ch
	return ch, nil
}

func (b *Broker) declare(fn func(ch *amqp.Channel) error) error {
	b.declMu.Lock()
	defer b.declMu.Unlock()
	ch, err := b.declChannel()
	if err != nil {
		return err
	}
	return mapError(fn(ch))
}

func (b *Broker) DeclareExchange(_ context.Context, name, kind string) error {
	return b.declare(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
	})
}

func (b *Broker) DeclareQueue(_ context.Context, name string, args map[string]interface{}) error {
	return b.declare(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table(args))
		return err
	})
}

func (b *Broker) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	return b.declare(func(ch *amqp.Channel) error {
		return ch.QueueBind(queue, routingKey, exchange, false, nil)
	})
}

// Publish sends a persistent message and waits for the broker confirm.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	publishing := amqp.Publishing{
		Headers:       amqp.Table(msg.Headers),
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     ts,
		Body:          msg.Body,
	}

	b.pubMu.Lock()
	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, publishing)
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", msg.Exchange, msg.RoutingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Consume opens a channel with the given prefetch and streams deliveries.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, mapError(fmt.Errorf("failed to consume %s: %w", queue, err))
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("delivery channel closed", zap.String("queue", queue))
					return
				}
				msg := broker.Message{
					Exchange:      d.Exchange,
					RoutingKey:    d.RoutingKey,
					MessageID:     d.MessageId,
					CorrelationID: d.CorrelationId,
					ContentType:   d.ContentType,
					Timestamp:     d.Timestamp,
					Headers:       map[string]interface{}(d.Headers),
					Body:          d.Body,
				}
				select {
				case out <- broker.NewDelivery(queue, msg, d.Redelivered, acknowledger{d}):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// QueueStats inspects a queue passively. RabbitMQ only reports ready messages
// and consumers this way; the management API gives the full picture.
func (b *Broker) QueueStats(_ context.Context, queue string) (broker.QueueStats, error) {
	var q amqp.Queue
	err := b.declare(func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return broker.QueueStats{}, err
	}
	return broker.QueueStats{Name: q.Name, Messages: q.Messages, Ready: q.Messages, Consumers: q.Consumers}, nil
}

func (b *Broker) Close() error {
	b.declMu.Lock()
	if b.declCh != nil {
		_ = b.declCh.Close()
	}
	b.declMu.Unlock()
	return b.conn.Close()
}

type acknowledger struct {
	d amqp.Delivery
}

func (a acknowledger) Ack() error { return a.d.Ack(false) }

func (a acknowledger) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: %s", topology.ErrTopologyConflict, amqpErr.Reason)
	}
	return err
}
