package outbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/storage"
)

// KafkaHeaderBuilder maps a stored event to Kafka record headers.
type KafkaHeaderBuilder func(record storage.EventRecord) []kafka.Header

// KafkaPublisher produces outbox events to Kafka. Publish returns only once
// the broker has acknowledged the record, so the relay never marks an
// undelivered event as sent.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	defaultTopic  string
	headerBuilder KafkaHeaderBuilder
}

func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"enable.idempotence": true,
			"linger.ms":          10,
			"compression.type":   "snappy",
		},
		defaultTopic:  "loanbus-events",
		headerBuilder: buildKafkaHeaders,
	}
	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p.producer = producer
	go p.watchErrors()
	return p, nil
}

// Publish keys records by tenant and aggregate so one loan stays on one
// partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event storage.EventRecord) error {
	topic := event.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	record := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.TenantID + ":" + event.AggregateID),
		Value:          event.Payload,
		Headers:        p.headerBuilder(event),
		Timestamp:      event.CreatedAt,
	}

	reports := make(chan kafka.Event, 1)
	if err := p.producer.Produce(record, reports); err != nil {
		return fmt.Errorf("produce %s to %s: %w", event.EventID, topic, err)
	}
	if err := awaitDelivery(ctx, reports); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", event.EventID, topic, err)
	}
	p.logger.Debug("Event delivered to kafka",
		zap.String("event_id", event.EventID),
		zap.String("topic", topic),
	)
	return nil
}

// awaitDelivery waits for the delivery report of a single produced record.
func awaitDelivery(ctx context.Context, reports <-chan kafka.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-reports:
		switch e := ev.(type) {
		case *kafka.Message:
			return e.TopicPartition.Error
		case kafka.Error:
			return e
		default:
			return fmt.Errorf("unexpected delivery report %T", ev)
		}
	}
}

func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	if left := p.producer.Flush(15_000); left > 0 {
		p.logger.Warn("Kafka producer closed with undelivered records", zap.Int("count", left))
	}
	p.producer.Close()
	return nil
}

// watchErrors logs client-level errors. Per-record reports go to the
// channel passed to Produce.
func (p *KafkaPublisher) watchErrors() {
	for e := range p.producer.Events() {
		if kerr, ok := e.(kafka.Error); ok {
			p.logger.Error("Kafka client error", zap.Error(kerr), zap.Bool("fatal", kerr.IsFatal()))
		}
	}
}

func buildKafkaHeaders(event storage.EventRecord) []kafka.Header {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(event.EventID)},
		{Key: "tenant_id", Value: []byte(event.TenantID)},
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "aggregate_type", Value: []byte(event.AggregateType)},
		{Key: "aggregate_id", Value: []byte(event.AggregateID)},
		{Key: "version", Value: []byte(strconv.Itoa(event.Version))},
	}
	for k, v := range eventHeaders(event) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
