package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/loanbus/broker"
	"github.com/overtonx/loanbus/storage"
	"github.com/overtonx/loanbus/topology"
)

func testRecord() storage.EventRecord {
	return storage.EventRecord{
		ID:            42,
		TenantID:      "tenant-a",
		EventID:       "evt-1",
		EventType:     "payment.processed",
		AggregateType: "payment",
		AggregateID:   "pay-1",
		Version:       1,
		Payload:       []byte(`{"amountCents":10000}`),
		Headers:       []byte(`{"traceparent":"00-abc-def-01"}`),
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBrokerPublisher_Publish(t *testing.T) {
	mem := broker.NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	require.NoError(t, mem.DeclareExchange(ctx, topology.EventExchange, topology.KindTopic))
	require.NoError(t, mem.DeclareQueue(ctx, "audit.payments", nil))
	require.NoError(t, mem.BindQueue(ctx, "audit.payments", topology.EventExchange, topology.BindingKey("payment.*")))

	p := NewBrokerPublisher(mem, "", nil)
	require.NoError(t, p.Publish(ctx, testRecord()))
	require.NoError(t, p.Close())

	published := mem.Published("audit.payments")
	require.Len(t, published, 1)
	msg := published[0]
	assert.Equal(t, "tenant.tenant-a.payment.processed", msg.RoutingKey)
	assert.Equal(t, "evt-1", msg.MessageID)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.JSONEq(t, `{"amountCents":10000}`, string(msg.Body))
	assert.Equal(t, "00-abc-def-01", msg.Headers["traceparent"])
	assert.Equal(t, "pay-1", msg.Headers["aggregate_id"])
	assert.Equal(t, int32(1), msg.Headers["version"])
}

func TestBrokerPublisher_PublishError(t *testing.T) {
	mem := broker.NewMemory(clockwork.NewFakeClock())
	p := NewBrokerPublisher(mem, "missing.exchange", nil)

	err := p.Publish(context.Background(), testRecord())
	assert.ErrorContains(t, err, "evt-1")
}

func TestNopPublisher(t *testing.T) {
	p := NewNopPublisher()
	assert.NoError(t, p.Publish(context.Background(), testRecord()))
	assert.NoError(t, p.Close())
}

type fakeJetStream struct {
	msgs  []*nats.Msg
	msgID string
	err   error
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.msgID = msg.Header.Get(jetstream.MsgIDHeader)
	if len(opts) > 0 {
		f.msgID = "set"
	}
	return &jetstream.PubAck{Stream: "LOANBUS", Sequence: uint64(len(f.msgs))}, nil
}

func TestJetStreamPublisher_Publish(t *testing.T) {
	js := &fakeJetStream{}
	p := newJetStreamPublisher(js, nil, "", nil)

	require.NoError(t, p.Publish(context.Background(), testRecord()))
	require.Len(t, js.msgs, 1)

	msg := js.msgs[0]
	assert.Equal(t, "loanbus.tenant-a.payment.processed", msg.Subject)
	assert.Equal(t, "evt-1", msg.Header.Get("event_id"))
	assert.Equal(t, "00-abc-def-01", msg.Header.Get("traceparent"))
	assert.Equal(t, "1", msg.Header.Get("version"))
	assert.Equal(t, "set", js.msgID, "event id is passed as the dedupe id")
	assert.NoError(t, p.Close())

	js.err = errors.New("no responders")
	assert.ErrorIs(t, p.Publish(context.Background(), testRecord()), js.err)
}

func TestBuildKafkaHeaders(t *testing.T) {
	headers := buildKafkaHeaders(testRecord())

	got := make(map[string]string, len(headers))
	for _, h := range headers {
		got[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_id":       "evt-1",
		"tenant_id":      "tenant-a",
		"event_type":     "payment.processed",
		"aggregate_type": "payment",
		"aggregate_id":   "pay-1",
		"version":        "1",
		"traceparent":    "00-abc-def-01",
	}, got)

	malformed := testRecord()
	malformed.Headers = []byte(`not json`)
	assert.Len(t, buildKafkaHeaders(malformed), 6)
}

func TestKafkaPublisherOptions(t *testing.T) {
	p := &KafkaPublisher{producerProps: kafka.ConfigMap{"acks": "all"}}
	custom := func(storage.EventRecord) []kafka.Header { return nil }

	WithKafkaProducerProps(kafka.ConfigMap{"bootstrap.servers": "localhost:9092"})(p)
	WithKafkaDefaultTopic("loan-events")(p)
	WithKafkaHeaderBuilder(custom)(p)

	assert.Equal(t, "localhost:9092", p.producerProps["bootstrap.servers"])
	assert.Equal(t, "all", p.producerProps["acks"])
	assert.Equal(t, "loan-events", p.defaultTopic)
	assert.NotNil(t, p.headerBuilder)
}

func TestAwaitDelivery(t *testing.T) {
	topic := "loan-events"

	t.Run("acknowledged", func(t *testing.T) {
		reports := make(chan kafka.Event, 1)
		reports <- &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 3}}
		assert.NoError(t, awaitDelivery(context.Background(), reports))
	})

	t.Run("broker rejected", func(t *testing.T) {
		reports := make(chan kafka.Event, 1)
		rejected := kafka.NewError(kafka.ErrMsgSizeTooLarge, "message too large", false)
		reports <- &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Error: rejected}}
		assert.ErrorIs(t, awaitDelivery(context.Background(), reports), rejected)
	})

	t.Run("context done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, awaitDelivery(ctx, make(chan kafka.Event)), context.Canceled)
	})
}
