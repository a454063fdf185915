package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/overtonx/loanbus/broker"
	"github.com/overtonx/loanbus/storage"
	"github.com/overtonx/loanbus/topology"
)

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(_ context.Context, _ storage.EventRecord) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// BrokerPublisher publishes events to the event exchange with routing key
// tenant.<tenantId>.<eventType>.
type BrokerPublisher struct {
	publisher broker.Publisher
	exchange  string
	logger    *zap.Logger
}

// NewBrokerPublisher creates a publisher on exchange. An empty exchange
// means topology.EventExchange.
func NewBrokerPublisher(publisher broker.Publisher, exchange string, logger *zap.Logger) *BrokerPublisher {
	if exchange == "" {
		exchange = topology.EventExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerPublisher{publisher: publisher, exchange: exchange, logger: logger}
}

func (p *BrokerPublisher) Publish(ctx context.Context, event storage.EventRecord) error {
	headers := map[string]interface{}{
		"event_id":       event.EventID,
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"version":        int32(event.Version),
	}
	for k, v := range eventHeaders(event) {
		headers[k] = v
	}

	routingKey := topology.RoutingKey(event.TenantID, event.EventType)
	p.logger.Debug("Publishing event to broker",
		zap.String("event_id", event.EventID),
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
	)

	err := p.publisher.Publish(ctx, broker.Message{
		Exchange:    p.exchange,
		RoutingKey:  routingKey,
		MessageID:   event.EventID,
		ContentType: "application/json",
		Timestamp:   event.CreatedAt,
		Headers:     headers,
		Body:        event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
	}
	return nil
}

// Close is a no-op; the broker connection is owned by the caller.
func (p *BrokerPublisher) Close() error {
	return nil
}

// eventHeaders decodes the JSON headers stored with the event, including the
// injected trace context. Malformed headers are dropped.
func eventHeaders(event storage.EventRecord) map[string]string {
	if len(event.Headers) == 0 {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal(event.Headers, &headers); err != nil {
		return nil
	}
	return headers
}
