// Package outbox records domain events in the same transaction as the state
// they describe and relays them to the broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/storage"
)

// DefaultVersion is the version written when an event does not set one.
const DefaultVersion = 1

// Event is a domain event before it is saved.
type Event struct {
	EventID       string            `json:"event_id"`
	TenantID      string            `json:"tenant_id"`
	EventType     string            `json:"event_type"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Version       int               `json:"version"`
	Topic         string            `json:"topic"`
	Payload       interface{}       `json:"payload"`
	Headers       map[string]string `json:"headers"`
}

// NewEvent builds a validated event for tenantID.
func NewEvent(tenantID, eventType, aggregateType, aggregateID string, payload interface{}) (Event, error) {
	event := Event{
		EventID:       uuid.NewString(),
		TenantID:      tenantID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       DefaultVersion,
		Payload:       payload,
		Headers:       make(map[string]string),
	}
	if err := validateEvent(event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Writer saves events on a caller-owned transaction.
type Writer struct {
	store   storage.Store
	logger  *zap.Logger
	metrics embedded.MetricsCollector
}

// NewWriter creates a writer over store.
func NewWriter(store storage.Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		logger:  zap.NewNop(),
		metrics: embedded.NopMetrics{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// PublishEvent inserts event on tx. The row becomes visible only if tx
// commits; a rollback discards it together with the mutation it describes.
func (w *Writer) PublishEvent(ctx context.Context, tx storage.DBTX, event Event) error {
	if tx == nil {
		return errors.New("outbox: nil transaction")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Version == 0 {
		event.Version = DefaultVersion
	}
	if err := validateEvent(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	headers := make(map[string]string, len(event.Headers))
	for k, v := range event.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var headersJSON []byte
	if len(headers) > 0 {
		headersJSON, err = json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	record := &storage.EventRecord{
		TenantID:      event.TenantID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventID:       event.EventID,
		EventType:     event.EventType,
		Version:       event.Version,
		Payload:       payloadJSON,
		Headers:       headersJSON,
		Topic:         event.Topic,
	}
	if err := w.store.CreateEvent(ctx, tx, record); err != nil {
		w.metrics.IncrementCounter("outbox.write_failed", map[string]string{"event_type": event.EventType})
		return err
	}

	w.metrics.IncrementCounter("outbox.written", map[string]string{"event_type": event.EventType})
	w.logger.Debug("Outbox event recorded",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("tenant_id", event.TenantID),
	)
	return nil
}

func validateEvent(event Event) error {
	if event.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if event.EventType == "" {
		return errors.New("event_type is required")
	}
	if event.AggregateType == "" {
		return errors.New("aggregate_type is required")
	}
	if event.AggregateID == "" {
		return errors.New("aggregate_id is required")
	}
	return nil
}
