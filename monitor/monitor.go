// Package monitor polls queue statistics and turns them into a health
// snapshot for operators.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus"
	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/topology"
)

// DefaultBacklogThreshold is the primary queue depth considered unhealthy.
const DefaultBacklogThreshold = 1000

type Status string

const (
	StatusOK        Status = "ok"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

type Role string

const (
	RolePrimary    Role = "primary"
	RoleRetry      Role = "retry"
	RoleDeadLetter Role = "dlq"
)

// QueueHealth is the evaluated state of one queue.
type QueueHealth struct {
	Name      string   `json:"name"`
	Role      Role     `json:"role"`
	Messages  int      `json:"messages"`
	Ready     int      `json:"ready"`
	Unacked   int      `json:"unacked"`
	Consumers int      `json:"consumers"`
	Consumed  bool     `json:"consumed"`
	Status    Status   `json:"status"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Snapshot is the result of one poll.
type Snapshot struct {
	CheckedAt time.Time     `json:"checkedAt"`
	Status    Status        `json:"status"`
	Queues    []QueueHealth `json:"queues"`
}

type watched struct {
	name     string
	role     Role
	consumed bool
}

// Monitor polls every primary, retry and dead-letter queue of a topology.
type Monitor struct {
	source           StatsSource
	queues           []watched
	backlogThreshold int
	consumed         map[string]bool
	clock            clockwork.Clock
	logger           *zap.Logger
	metrics          embedded.MetricsCollector

	mu   sync.RWMutex
	last Snapshot
}

type Option func(*Monitor)

func WithBacklogThreshold(n int) Option {
	return func(m *Monitor) {
		m.backlogThreshold = n
	}
}

// WithConsumedQueues limits the "no consumers" rule to the named primary
// queues. Without it every primary queue is expected to have a consumer.
func WithConsumedQueues(names ...string) Option {
	return func(m *Monitor) {
		m.consumed = make(map[string]bool, len(names))
		for _, name := range names {
			m.consumed[name] = true
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// New creates a monitor for every queue of t.
func New(source StatsSource, t *topology.Topology, opts ...Option) *Monitor {
	m := &Monitor{
		source:           source,
		backlogThreshold: DefaultBacklogThreshold,
		clock:            clockwork.NewRealClock(),
		logger:           zap.NewNop(),
		metrics:          embedded.NopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, q := range t.Queues {
		consumed := m.consumed == nil || m.consumed[q.Name]
		m.queues = append(m.queues, watched{name: q.Name, role: RolePrimary, consumed: consumed})
		for _, name := range q.RetryQueues() {
			m.queues = append(m.queues, watched{name: name, role: RoleRetry})
		}
		m.queues = append(m.queues, watched{name: q.DLQName, role: RoleDeadLetter})
	}
	m.last = Snapshot{Status: StatusWarning, Queues: []QueueHealth{}}
	return m
}

// Check polls every queue and stores the snapshot. A failing queue is
// reported as unhealthy, not as an error.
func (m *Monitor) Check(ctx context.Context) error {
	snap := Snapshot{
		CheckedAt: m.clock.Now().UTC(),
		Status:    StatusOK,
		Queues:    make([]QueueHealth, 0, len(m.queues)),
	}
	for _, q := range m.queues {
		h := m.evaluate(ctx, q)
		snap.Status = worse(snap.Status, h.Status)
		snap.Queues = append(snap.Queues, h)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	if snap.Status != StatusOK {
		m.logger.Warn("Queues need attention", zap.String("status", string(snap.Status)))
	}
	return ctx.Err()
}

func (m *Monitor) evaluate(ctx context.Context, q watched) QueueHealth {
	h := QueueHealth{Name: q.name, Role: q.role, Consumed: q.consumed, Status: StatusOK}
	tags := map[string]string{"queue": q.name, "role": string(q.role)}

	stats, err := m.source.QueueStats(ctx, q.name)
	if err != nil {
		m.logger.Error("Failed to read queue stats", zap.String("queue", q.name), zap.Error(err))
		m.metrics.IncrementCounter("monitor.stats_failed", tags)
		h.Status = StatusUnhealthy
		h.Reasons = append(h.Reasons, "stats unavailable: "+err.Error())
		return h
	}
	h.Messages, h.Ready, h.Unacked, h.Consumers = stats.Messages, stats.Ready, stats.Unacked, stats.Consumers

	m.metrics.RecordGauge("monitor.queue_messages", float64(stats.Messages), tags)
	m.metrics.RecordGauge("monitor.queue_ready", float64(stats.Ready), tags)
	m.metrics.RecordGauge("monitor.queue_unacked", float64(stats.Unacked), tags)
	m.metrics.RecordGauge("monitor.queue_consumers", float64(stats.Consumers), tags)

	switch q.role {
	case RolePrimary:
		if q.consumed && stats.Consumers == 0 {
			h.Status = StatusUnhealthy
			h.Reasons = append(h.Reasons, "no consumers")
		}
		if stats.Messages > m.backlogThreshold {
			h.Status = StatusUnhealthy
			h.Reasons = append(h.Reasons, fmt.Sprintf("backlog %d exceeds %d", stats.Messages, m.backlogThreshold))
		}
	case RoleDeadLetter:
		if stats.Messages > 0 {
			h.Status = StatusWarning
			h.Reasons = append(h.Reasons, fmt.Sprintf("%d dead-lettered messages", stats.Messages))
		}
	}
	return h
}

// Snapshot returns the last poll result.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Worker polls on interval.
func (m *Monitor) Worker(interval time.Duration, opts ...loanbus.WorkerOption) *loanbus.BaseWorker {
	opts = append([]loanbus.WorkerOption{loanbus.WithImmediateRun()}, opts...)
	return loanbus.NewBaseWorker("queue_monitor", interval, m.logger, m.Check, opts...)
}

// ServeHTTP writes the last snapshot, with 503 when it is unhealthy.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snap := m.Snapshot()
	status := http.StatusOK
	if snap.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(snap)
}
