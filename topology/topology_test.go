package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueDecl struct {
	args map[string]interface{}
}

// fakeDeclarer behaves like a broker: redeclaring with the same arguments
// is a no-op, with different ones a conflict.
type fakeDeclarer struct {
	exchanges map[string]string
	queues    map[string]queueDecl
	bindings  map[string]bool
	calls     int
}

func newFakeDeclarer() *fakeDeclarer {
	return &fakeDeclarer{
		exchanges: map[string]string{},
		queues:    map[string]queueDecl{},
		bindings:  map[string]bool{},
	}
}

func (f *fakeDeclarer) DeclareExchange(_ context.Context, name, kind string) error {
	f.calls++
	if existing, ok := f.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s: %w", name, ErrTopologyConflict)
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeDeclarer) DeclareQueue(_ context.Context, name string, args map[string]interface{}) error {
	f.calls++
	if existing, ok := f.queues[name]; ok && fmt.Sprint(existing.args) != fmt.Sprint(args) {
		return fmt.Errorf("queue %s: %w", name, ErrTopologyConflict)
	}
	f.queues[name] = queueDecl{args: args}
	return nil
}

func (f *fakeDeclarer) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	f.calls++
	f.bindings[queue+"|"+exchange+"|"+routingKey] = true
	return nil
}

func TestNaming(t *testing.T) {
	q := QueueName("payments", "allocate", 1)
	assert.Equal(t, "payments.allocate.v1", q)
	assert.Equal(t, "payments.allocate.v1.retry.10s", RetryQueueName(q, 10*time.Second))
	assert.Equal(t, "payments.allocate.v1.retry.1m", RetryQueueName(q, time.Minute))
	assert.Equal(t, "payments.allocate.v1.retry.5m", RetryQueueName(q, 5*time.Minute))
	assert.Equal(t, "payments.allocate.v1.dlq", DLQName(q))
	assert.Equal(t, "tenant.acme.payments.allocate", RoutingKey("acme", "payments.allocate"))
	assert.Equal(t, "tenant.*.payments.allocate", BindingKey("payments.allocate"))
}

func TestFormatDelay(t *testing.T) {
	assert.Equal(t, "90s", FormatDelay(90*time.Second))
	assert.Equal(t, "2h", FormatDelay(2*time.Hour))
	assert.Equal(t, "1500ms", FormatDelay(1500*time.Millisecond))
}

func TestActionFromRoutingKey(t *testing.T) {
	tenant, action, ok := ActionFromRoutingKey("tenant.acme.payments.allocate")
	require.True(t, ok)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, "payments.allocate", action)

	_, _, ok = ActionFromRoutingKey("payments.allocate")
	assert.False(t, ok)
	_, _, ok = ActionFromRoutingKey("tenant..x")
	assert.False(t, ok)
}

func TestQueueDescriptor_RetryTarget(t *testing.T) {
	q := NewQueue("payments", "allocate", 1)

	name, ok := q.RetryTarget(0)
	require.True(t, ok)
	assert.Equal(t, "payments.allocate.v1.retry.10s", name)

	name, ok = q.RetryTarget(2)
	require.True(t, ok)
	assert.Equal(t, "payments.allocate.v1.retry.5m", name)

	_, ok = q.RetryTarget(3)
	assert.False(t, ok)
	assert.Equal(t, []string{
		"payments.allocate.v1.retry.10s",
		"payments.allocate.v1.retry.1m",
		"payments.allocate.v1.retry.5m",
	}, q.RetryQueues())
}

func TestDeclare_DefaultTopology(t *testing.T) {
	d := newFakeDeclarer()
	topo := DefaultTopology()

	require.NoError(t, Declare(context.Background(), d, topo))

	assert.Equal(t, KindTopic, d.exchanges[CommandExchange])
	assert.Equal(t, KindDirect, d.exchanges[RetryExchange])
	assert.Equal(t, KindDirect, d.exchanges[DeadLetterExchange])

	// five primaries, each with three retry queues and a DLQ
	assert.Len(t, d.queues, 5*5)

	primary := "payments.allocate.v1"
	assert.Nil(t, d.queues[primary].args)
	assert.True(t, d.bindings[primary+"|"+CommandExchange+"|tenant.*.payments.allocate"])

	retry := d.queues[primary+".retry.1m"].args
	assert.Equal(t, int64(60000), retry[ArgMessageTTL])
	assert.Equal(t, "", retry[ArgDeadLetterExchange])
	assert.Equal(t, primary, retry[ArgDeadLetterRoutingKey])
	assert.True(t, d.bindings[primary+".retry.1m|"+RetryExchange+"|"+primary+".retry.1m"])

	assert.Contains(t, d.queues, primary+".dlq")
	assert.True(t, d.bindings[primary+".dlq|"+DeadLetterExchange+"|"+primary+".dlq"])
}

func TestDeclare_IsIdempotent(t *testing.T) {
	d := newFakeDeclarer()
	topo := DefaultTopology()

	require.NoError(t, Declare(context.Background(), d, topo))
	first := len(d.queues)
	require.NoError(t, Declare(context.Background(), d, topo))
	assert.Equal(t, first, len(d.queues))
}

func TestDeclare_ConflictAborts(t *testing.T) {
	d := newFakeDeclarer()
	d.queues["payments.allocate.v1.retry.10s"] = queueDecl{args: map[string]interface{}{ArgMessageTTL: int64(30000)}}

	err := Declare(context.Background(), d, DefaultTopology())
	require.ErrorIs(t, err, ErrTopologyConflict)
	assert.Contains(t, err.Error(), "payments.allocate.v1.retry.10s")
}

func TestDeclare_RejectsInvalidTopology(t *testing.T) {
	topo := DefaultTopology()
	topo.Queues = append(topo.Queues, topo.Queues[0])

	d := newFakeDeclarer()
	assert.Error(t, Declare(context.Background(), d, topo))
	assert.Zero(t, d.calls)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queues:
  - name: payments.allocate.v1
    routing_key: tenant.*.payments.allocate
  - name: etl.run.v1
    routing_key: tenant.*.etl.run
    retry_ladder: [30s, 2m]
`), 0o600))

	topo, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CommandExchange, topo.CommandExchange)

	payments, ok := topo.Queue("payments.allocate.v1")
	require.True(t, ok)
	assert.Equal(t, DefaultRetryLadder, payments.RetryLadder)
	assert.Equal(t, "payments.allocate.v1.dlq", payments.DLQName)

	etl, ok := topo.Queue("etl.run.v1")
	require.True(t, ok)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, etl.RetryLadder)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`queues: [{routing_key: x}]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`queues: [{name: a.b.v1, routing_key: x, retry_ladder: [-1s]}]`))
	assert.Error(t, err)
}
