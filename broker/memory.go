package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/overtonx/loanbus/topology"
)

// ErrUnknownQueue is returned when consuming or inspecting an undeclared queue.
var ErrUnknownQueue = errors.New("unknown queue")

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Ready     int    `json:"messages_ready"`
	Unacked   int    `json:"messages_unacknowledged"`
	Consumers int    `json:"consumers"`
}

var _ Broker = (*Memory)(nil)

// Memory is an in-process broker with RabbitMQ routing semantics: topic and
// direct exchanges, the default exchange, per-queue message TTL and
// dead-lettering. Time is driven by a clockwork clock.
type Memory struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	exchanges map[string]string
	queues    map[string]*memQueue
	bindings  []memBinding
	seq       uint64
	closed    bool
}

type memBinding struct {
	queue, exchange, key string
}

type memEntry struct {
	seq         uint64
	msg         Message
	redelivered bool
}

type memQueue struct {
	name      string
	args      map[string]interface{}
	ready     []memEntry
	unacked   int
	consumers int
	changed   chan struct{}
	history   []Message
}

func (q *memQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// NewMemory creates an empty in-memory broker.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:     clock,
		exchanges: map[string]string{},
		queues:    map[string]*memQueue{},
	}
}

func (m *Memory) DeclareExchange(_ context.Context, name, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s declared as %s, requested %s: %w", name, existing, kind, topology.ErrTopologyConflict)
	}
	m.exchanges[name] = kind
	return nil
}

func (m *Memory) DeclareQueue(_ context.Context, name string, args map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		if !sameArgs(q.args, args) {
			return fmt.Errorf("queue %s declared with different arguments: %w", name, topology.ErrTopologyConflict)
		}
		return nil
	}
	m.queues[name] = &memQueue{name: name, args: args, changed: make(chan struct{})}
	return nil
}

func (m *Memory) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queue]; !ok {
		return fmt.Errorf("bind %s: %w", queue, ErrUnknownQueue)
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("bind %s: unknown exchange %s", queue, exchange)
	}
	b := memBinding{queue: queue, exchange: exchange, key: routingKey}
	for _, existing := range m.bindings {
		if existing == b {
			return nil
		}
	}
	m.bindings = append(m.bindings, b)
	return nil
}

// Publish routes msg. Unroutable messages are dropped, as an AMQP publish
// without the mandatory flag would be.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("broker closed")
	}
	if msg.Exchange != "" {
		if _, ok := m.exchanges[msg.Exchange]; !ok {
			return fmt.Errorf("unknown exchange %s", msg.Exchange)
		}
	}
	m.route(msg.Clone(), false)
	return nil
}

func (m *Memory) route(msg Message, redelivered bool) {
	for _, q := range m.targets(msg.Exchange, msg.RoutingKey) {
		m.enqueue(q, msg.Clone(), redelivered)
	}
}

func (m *Memory) targets(exchange, key string) []*memQueue {
	if exchange == "" {
		if q, ok := m.queues[key]; ok {
			return []*memQueue{q}
		}
		return nil
	}
	kind := m.exchanges[exchange]
	var out []*memQueue
	seen := map[string]bool{}
	for _, b := range m.bindings {
		if b.exchange != exchange || seen[b.queue] {
			continue
		}
		matched := b.key == key
		if kind == topology.KindTopic {
			matched = topicMatch(b.key, key)
		}
		if matched {
			seen[b.queue] = true
			out = append(out, m.queues[b.queue])
		}
	}
	return out
}

func (m *Memory) enqueue(q *memQueue, msg Message, redelivered bool) {
	m.seq++
	entry := memEntry{seq: m.seq, msg: msg, redelivered: redelivered}
	q.ready = append(q.ready, entry)
	q.history = append(q.history, msg)
	if ttl, ok := ttlOf(q.args); ok {
		seq := entry.seq
		m.clock.AfterFunc(ttl, func() { m.expire(q, seq) })
	}
	q.broadcast()
}

func (m *Memory) expire(q *memQueue, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range q.ready {
		if e.seq != seq {
			continue
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		q.broadcast()
		m.deadLetter(q, e.msg)
		return
	}
}

func (m *Memory) deadLetter(q *memQueue, msg Message) {
	exchange, ok := q.args[topology.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	if key, ok := q.args[topology.ArgDeadLetterRoutingKey].(string); ok {
		msg.RoutingKey = key
	}
	msg.Exchange = exchange
	m.route(msg, false)
}

func (m *Memory) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	m.mu.Lock()
	q, ok := m.queues[queue]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("consume %s: %w", queue, ErrUnknownQueue)
	}
	q.consumers++
	m.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			q.consumers--
			m.mu.Unlock()
		}()

		inflight := 0
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			wait := q.changed
			if inflight >= prefetch || len(q.ready) == 0 {
				m.mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-wait:
					continue
				}
			}
			entry := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked++
			inflight++ // guarded by m.mu, as is the decrement in settle
			m.mu.Unlock()

			ack := &memAck{broker: m, queue: q, entry: entry, done: func() { inflight-- }}
			select {
			case out <- NewDelivery(queue, entry.msg, entry.redelivered, ack):
			case <-ctx.Done():
				_ = ack.Nack(true)
				return
			}
		}
	}()
	return out, nil
}

// QueueStats reports queue depth and consumer count.
func (m *Memory) QueueStats(_ context.Context, queue string) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return QueueStats{}, fmt.Errorf("stats %s: %w", queue, ErrUnknownQueue)
	}
	return QueueStats{
		Name:      queue,
		Messages:  len(q.ready) + q.unacked,
		Ready:     len(q.ready),
		Unacked:   q.unacked,
		Consumers: q.consumers,
	}, nil
}

// Published returns every message ever enqueued on queue, in order.
func (m *Memory) Published(queue string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, len(q.history))
	copy(out, q.history)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		q.broadcast()
	}
	return nil
}

type memAck struct {
	broker  *Memory
	queue   *memQueue
	entry   memEntry
	done    func()
	settled bool
}

func (a *memAck) settle() error {
	if a.settled {
		return errors.New("delivery already settled")
	}
	a.settled = true
	a.queue.unacked--
	a.done()
	a.queue.broadcast()
	return nil
}

func (a *memAck) Ack() error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	return a.settle()
}

func (a *memAck) Nack(requeue bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	if err := a.settle(); err != nil {
		return err
	}
	if requeue {
		a.entry.redelivered = true
		a.queue.ready = append([]memEntry{a.entry}, a.queue.ready...)
		return nil
	}
	a.broker.deadLetter(a.queue, a.entry.msg)
	return nil
}

func ttlOf(args map[string]interface{}) (time.Duration, bool) {
	switch v := args[topology.ArgMessageTTL].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int32:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	default:
		return 0, false
	}
}

func sameArgs(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// topicMatch implements AMQP topic matching: '*' matches one word and '#'
// zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchWords(pattern[1:], key[1:])
	}
}
