package outbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/storage"
)

// msgPublisher is the part of jetstream.JetStream the publisher needs.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamPublisher publishes events to <prefix>.<tenantId>.<eventType>.
// The event id is sent as Nats-Msg-Id so the stream drops relay duplicates
// inside its dedupe window.
type JetStreamPublisher struct {
	js     msgPublisher
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewJetStreamPublisher creates a publisher over an existing JetStream context.
func NewJetStreamPublisher(js jetstream.JetStream, prefix string, logger *zap.Logger) *JetStreamPublisher {
	return newJetStreamPublisher(js, nil, prefix, logger)
}

func newJetStreamPublisher(js msgPublisher, nc *nats.Conn, prefix string, logger *zap.Logger) *JetStreamPublisher {
	if prefix == "" {
		prefix = "loanbus"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStreamPublisher{js: js, nc: nc, prefix: prefix, logger: logger}
}

// ConnectJetStream dials url, makes sure a stream named stream captures
// <prefix>.> and returns a publisher owning the connection.
func ConnectJetStream(ctx context.Context, url, stream, prefix string, logger *zap.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("loanbus-outbox"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	if prefix == "" {
		prefix = "loanbus"
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}
	return newJetStreamPublisher(js, nc, prefix, logger), nil
}

func (p *JetStreamPublisher) subject(event storage.EventRecord) string {
	return p.prefix + "." + event.TenantID + "." + event.EventType
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event storage.EventRecord) error {
	msg := nats.NewMsg(p.subject(event))
	msg.Data = event.Payload
	msg.Header.Set("event_id", event.EventID)
	msg.Header.Set("tenant_id", event.TenantID)
	msg.Header.Set("event_type", event.EventType)
	msg.Header.Set("aggregate_type", event.AggregateType)
	msg.Header.Set("aggregate_id", event.AggregateID)
	msg.Header.Set("version", strconv.Itoa(event.Version))
	for k, v := range eventHeaders(event) {
		msg.Header.Set(k, v)
	}

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.EventID))
	if err != nil {
		return fmt.Errorf("failed to publish event %s to jetstream: %w", event.EventID, err)
	}
	if ack != nil && ack.Duplicate {
		p.logger.Debug("JetStream dropped duplicate event", zap.String("event_id", event.EventID))
	}
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
