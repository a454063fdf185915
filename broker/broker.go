// Package broker defines the message broker surface loanbus depends on.
// broker/amqpbroker implements it for RabbitMQ; Memory implements it in
// process for tests and local runs.
package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/overtonx/loanbus/topology"
)

// Headers set by the consumer runtime when it routes a failed message.
const (
	HeaderAttempt       = "x-attempt"
	HeaderError         = "x-error"
	HeaderErrorKind     = "x-error-kind"
	HeaderOriginalQueue = "x-original-queue"
	HeaderFailedAt      = "x-failed-at"
)

// Message is what gets published.
type Message struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	ContentType   string
	Timestamp     time.Time
	Headers       map[string]interface{}
	Body          []byte
}

// Clone copies the message with its own header map.
func (m Message) Clone() Message {
	headers := make(map[string]interface{}, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	m.Headers = headers
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	m.Body = body
	return m
}

// Acknowledger settles a delivery.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is a message handed to a consumer. It must be acked or nacked
// exactly once.
type Delivery struct {
	Message
	Queue       string
	Redelivered bool

	ack Acknowledger
}

// NewDelivery binds a message to the acknowledger that settles it.
func NewDelivery(queue string, msg Message, redelivered bool, ack Acknowledger) Delivery {
	return Delivery{Message: msg, Queue: queue, Redelivered: redelivered, ack: ack}
}

func (d Delivery) Ack() error { return d.ack.Ack() }

func (d Delivery) Nack(requeue bool) error { return d.ack.Nack(requeue) }

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer streams deliveries from a queue with at most prefetch unsettled
// deliveries at a time. The channel closes when ctx is done or the broker
// connection goes away.
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
}

// Broker is the full surface.
type Broker interface {
	Publisher
	Consumer
	topology.Declarer
	Close() error
}

// Attempt reads the retry attempt counter from headers. Brokers hand integers
// back in whatever width they were encoded with.
func Attempt(headers map[string]interface{}) int {
	switch v := headers[HeaderAttempt].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// HeaderString reads a string header.
func HeaderString(headers map[string]interface{}, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
