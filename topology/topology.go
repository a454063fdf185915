// Package topology names and declares the exchanges and queues loanbus runs on.
package topology

import (
	"fmt"
	"strings"
	"time"
)

// Default exchange names.
const (
	CommandExchange    = "loanbus.commands"
	RetryExchange      = "loanbus.retry"
	DeadLetterExchange = "loanbus.dlx"
	EventExchange      = "loanbus.events"
)

// DefaultRetryLadder is the delay ladder used when a queue does not set one.
var DefaultRetryLadder = []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute}

// QueueDescriptor describes a primary queue together with its retry and
// dead-letter queues.
type QueueDescriptor struct {
	Name        string          `yaml:"name"`
	Exchange    string          `yaml:"exchange"`
	RoutingKey  string          `yaml:"routing_key"`
	RetryLadder []time.Duration `yaml:"retry_ladder"`
	DLQName     string          `yaml:"dlq"`
}

// RetryQueues returns the retry queue names in ladder order.
func (q QueueDescriptor) RetryQueues() []string {
	names := make([]string, len(q.RetryLadder))
	for i, d := range q.RetryLadder {
		names[i] = RetryQueueName(q.Name, d)
	}
	return names
}

// RetryTarget returns the retry queue for a message that has already been
// retried attempt times. ok is false once the ladder is exhausted.
func (q QueueDescriptor) RetryTarget(attempt int) (name string, ok bool) {
	if attempt < 0 || attempt >= len(q.RetryLadder) {
		return "", false
	}
	return RetryQueueName(q.Name, q.RetryLadder[attempt]), true
}

// Validate checks the descriptor is complete.
func (q QueueDescriptor) Validate() error {
	switch {
	case q.Name == "":
		return fmt.Errorf("queue name is required")
	case q.Exchange == "":
		return fmt.Errorf("queue %s: exchange is required", q.Name)
	case q.RoutingKey == "":
		return fmt.Errorf("queue %s: routing key is required", q.Name)
	case q.DLQName == "":
		return fmt.Errorf("queue %s: dead-letter queue is required", q.Name)
	}
	seen := make(map[string]struct{}, len(q.RetryLadder))
	for _, d := range q.RetryLadder {
		if d <= 0 {
			return fmt.Errorf("queue %s: retry delay must be positive, got %s", q.Name, d)
		}
		name := RetryQueueName(q.Name, d)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("queue %s: duplicate retry queue %s", q.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Topology is the full set of exchanges and queues.
type Topology struct {
	CommandExchange    string            `yaml:"command_exchange"`
	RetryExchange      string            `yaml:"retry_exchange"`
	DeadLetterExchange string            `yaml:"dead_letter_exchange"`
	EventExchange      string            `yaml:"event_exchange"`
	Queues             []QueueDescriptor `yaml:"queues"`
}

// Queue looks a queue up by name.
func (t *Topology) Queue(name string) (QueueDescriptor, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueDescriptor{}, false
}

// Validate checks every queue and rejects duplicate names.
func (t *Topology) Validate() error {
	if t.CommandExchange == "" || t.RetryExchange == "" || t.DeadLetterExchange == "" {
		return fmt.Errorf("command, retry and dead-letter exchanges are required")
	}
	names := make(map[string]struct{}, len(t.Queues))
	for _, q := range t.Queues {
		if err := q.Validate(); err != nil {
			return err
		}
		if _, dup := names[q.Name]; dup {
			return fmt.Errorf("duplicate queue %s", q.Name)
		}
		names[q.Name] = struct{}{}
	}
	return nil
}

// NewQueue builds the descriptor for <domain>.<action>.v<major> on the
// command exchange with the default ladder.
func NewQueue(domain, action string, major int) QueueDescriptor {
	name := QueueName(domain, action, major)
	return QueueDescriptor{
		Name:        name,
		Exchange:    CommandExchange,
		RoutingKey:  BindingKey(domain + "." + action),
		RetryLadder: append([]time.Duration(nil), DefaultRetryLadder...),
		DLQName:     DLQName(name),
	}
}

// DefaultTopology lists the platform's command queues.
func DefaultTopology() *Topology {
	return &Topology{
		CommandExchange:    CommandExchange,
		RetryExchange:      RetryExchange,
		DeadLetterExchange: DeadLetterExchange,
		EventExchange:      EventExchange,
		Queues: []QueueDescriptor{
			NewQueue("payments", "allocate", 1),
			NewQueue("vendor", "verify", 1),
			NewQueue("documents", "extract", 1),
			NewQueue("escrow", "disburse", 1),
			NewQueue("etl", "run", 1),
		},
	}
}

// QueueName returns <domain>.<action>.v<major>.
func QueueName(domain, action string, major int) string {
	return fmt.Sprintf("%s.%s.v%d", domain, action, major)
}

// RetryQueueName returns <queue>.retry.<delay>, e.g. payments.allocate.v1.retry.10s.
func RetryQueueName(queue string, delay time.Duration) string {
	return queue + ".retry." + FormatDelay(delay)
}

// DLQName returns <queue>.dlq.
func DLQName(queue string) string {
	return queue + ".dlq"
}

// RoutingKey returns tenant.<tenantId>.<action>.
func RoutingKey(tenantID, action string) string {
	return "tenant." + tenantID + "." + action
}

// BindingKey returns the pattern matching action for every tenant.
func BindingKey(action string) string {
	return "tenant.*." + action
}

// ActionFromRoutingKey extracts tenant and action from tenant.<tenantId>.<action>.
func ActionFromRoutingKey(key string) (tenantID, action string, ok bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] != "tenant" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// FormatDelay renders whole units only: 10s, 1m, 5m, 2h. Delays that are
// not whole seconds are rendered in milliseconds.
func FormatDelay(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}
