package outbox

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/embedded"
)

const (
	defaultBatchSize           = 100
	defaultMaxAttempts         = 3
	defaultBaseDelay           = 1 * time.Minute
	defaultMaxDelay            = 30 * time.Minute
	defaultStuckEventTimeout   = 10 * time.Minute
	defaultSentEventsRetention = 24 * time.Hour
	defaultDeadLetterRetention = 7 * 24 * time.Hour
)

//
// Writer Options
//

type WriterOption func(*Writer)

func WithWriterLogger(logger *zap.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

func WithWriterMetrics(metrics embedded.MetricsCollector) WriterOption {
	return func(w *Writer) {
		w.metrics = metrics
	}
}

//
// Relay Options
//

type RelayOption func(*Relay)

func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(metrics embedded.MetricsCollector) RelayOption {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		r.batchSize = size
	}
}

func WithMaxAttempts(attempts int) RelayOption {
	return func(r *Relay) {
		r.maxAttempts = attempts
	}
}

func WithBackoffStrategy(strategy BackoffStrategy) RelayOption {
	return func(r *Relay) {
		r.backoff = strategy
	}
}

func WithStuckTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.stuckTimeout = timeout
	}
}

func WithSentRetention(retention time.Duration) RelayOption {
	return func(r *Relay) {
		r.sentRetention = retention
	}
}

func WithDeadLetterRetention(retention time.Duration) RelayOption {
	return func(r *Relay) {
		r.deadLetterRetention = retention
	}
}

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaDefaultTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.defaultTopic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}
