// Package scheduler publishes recurring commands from the scheduled_tasks
// table. Every instance may run it; a conditional update decides which one
// fires a given run.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus"
	"github.com/overtonx/loanbus/broker"
	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/envelope"
	"github.com/overtonx/loanbus/storage"
	"github.com/overtonx/loanbus/topology"
)

const (
	defaultBatchSize = 50
	serviceName      = "loanbus-scheduler"
)

// Task is a command published every Interval for one tenant.
type Task struct {
	Name      string
	TenantID  string
	Action    string
	Payload   json.RawMessage
	Interval  time.Duration
	NextRunAt time.Time
}

// maxTaskNameLen leaves room in the idempotency key for ":" and a unix time.
const maxTaskNameLen = envelope.MaxIdempotencyKeyLen - 21

func (t Task) validate() error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return errors.New("task name is required")
	case utf8.RuneCountInString(t.Name) > maxTaskNameLen:
		return fmt.Errorf("task name is longer than %d characters", maxTaskNameLen)
	case strings.TrimSpace(t.TenantID) == "":
		return fmt.Errorf("task %s: tenant id is required", t.Name)
	case strings.TrimSpace(t.Action) == "":
		return fmt.Errorf("task %s: action is required", t.Name)
	case t.Interval < time.Second:
		return fmt.Errorf("task %s: interval must be at least 1s, got %s", t.Name, t.Interval)
	}
	return nil
}

// Scheduler claims due tasks and publishes them to the command exchange.
type Scheduler struct {
	db        storage.DBTX
	dialect   storage.Dialect
	publisher broker.Publisher
	exchange  string
	batchSize int
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   embedded.MetricsCollector

	selectDue string
	claim     string
	release   string
	register  string
}

type Option func(*Scheduler)

func WithExchange(name string) Option {
	return func(s *Scheduler) {
		s.exchange = name
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// New creates a scheduler over db.
func New(db storage.DBTX, dialect storage.Dialect, publisher broker.Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:        db,
		dialect:   dialect,
		publisher: publisher,
		exchange:  topology.CommandExchange,
		batchSize: defaultBatchSize,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		metrics:   embedded.NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.selectDue = dialect.Rebind(`SELECT name, tenant_id, action, payload, interval_seconds, next_run_at FROM scheduled_tasks WHERE next_run_at <= ? ORDER BY next_run_at LIMIT ?`)
	s.claim = dialect.Rebind(`UPDATE scheduled_tasks SET next_run_at = ?, last_run_at = ? WHERE name = ? AND next_run_at = ?`)
	s.release = dialect.Rebind(`UPDATE scheduled_tasks SET next_run_at = ? WHERE name = ? AND next_run_at = ?`)
	s.register = dialect.InsertIgnore("scheduled_tasks",
		[]string{"name", "tenant_id", "action", "payload", "interval_seconds", "next_run_at"},
		[]string{"name"})
	return s
}

// now is truncated to the microsecond precision both databases store.
func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// Register creates the task unless it exists, keeping the schedule of an
// existing task across restarts. A zero NextRunAt fires on the next tick.
func (s *Scheduler) Register(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("task %s: payload is not valid JSON", task.Name)
	}
	next := task.NextRunAt
	if next.IsZero() {
		next = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.register,
		task.Name, task.TenantID, task.Action, []byte(payload), int64(task.Interval/time.Second), next.UTC())
	if err != nil {
		return fmt.Errorf("failed to register task %s: %w", task.Name, err)
	}
	return nil
}

// Tick fires every due task this instance manages to claim.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	tasks, err := s.due(ctx, now)
	if err != nil {
		return err
	}

	var errs []error
	for _, task := range tasks {
		if err := s.fire(ctx, task, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) due(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, s.selectDue, now, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t        Task
			payload  []byte
			interval int64
		)
		if err := rows.Scan(&t.Name, &t.TenantID, &t.Action, &payload, &interval, &t.NextRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Payload = payload
		t.Interval = time.Duration(interval) * time.Second
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due tasks: %w", err)
	}
	return tasks, nil
}

// nextRun keeps the cadence anchored on the schedule and skips runs missed
// while nobody was ticking.
func nextRun(due time.Time, interval time.Duration, now time.Time) time.Time {
	next := due.Add(interval)
	if !next.After(now) {
		next = now.Add(interval)
	}
	return next
}

func (s *Scheduler) fire(ctx context.Context, task Task, now time.Time) error {
	logger := s.logger.With(zap.String("task", task.Name), zap.String("tenant_id", task.TenantID))
	tags := map[string]string{"task": task.Name}
	next := nextRun(task.NextRunAt, task.Interval, now)

	res, err := s.db.ExecContext(ctx, s.claim, next, now, task.Name, task.NextRunAt)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", task.Name, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to claim task %s: %w", task.Name, err)
	} else if n == 0 {
		logger.Debug("Task claimed by another instance")
		s.metrics.IncrementCounter("scheduler.claim_lost", tags)
		return nil
	}

	if err := s.publish(ctx, task); err != nil {
		logger.Error("Failed to publish scheduled command, releasing claim", zap.Error(err))
		s.metrics.IncrementCounter("scheduler.publish_failed", tags)
		if _, relErr := s.db.ExecContext(ctx, s.release, task.NextRunAt, task.Name, next); relErr != nil {
			logger.Error("Failed to release task claim", zap.Error(relErr))
		}
		return fmt.Errorf("failed to publish task %s: %w", task.Name, err)
	}

	logger.Info("Scheduled command published",
		zap.String("action", task.Action),
		zap.Time("next_run_at", next),
	)
	s.metrics.IncrementCounter("scheduler.fired", tags)
	return nil
}

// publish sends the command. The idempotency key is derived from the run
// time so a run published twice is processed once.
func (s *Scheduler) publish(ctx context.Context, task Task) error {
	key := fmt.Sprintf("%s:%d", task.Name, task.NextRunAt.Unix())
	env, err := envelope.Create(envelope.Params{
		TenantID:       task.TenantID,
		IdempotencyKey: key,
		Actor:          &envelope.Actor{Service: serviceName},
		OccurredAt:     s.clock.Now().UTC(),
		Payload:        task.Payload,
	})
	if err != nil {
		return err
	}
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, broker.Message{
		Exchange:      s.exchange,
		RoutingKey:    topology.RoutingKey(task.TenantID, task.Action),
		MessageID:     key,
		CorrelationID: env.CorrelationID,
		ContentType:   "application/json",
		Timestamp:     env.OccurredAt,
		Body:          body,
	})
}

// Worker ticks on interval.
func (s *Scheduler) Worker(interval time.Duration, opts ...loanbus.WorkerOption) *loanbus.BaseWorker {
	return loanbus.NewBaseWorker("scheduler", interval, s.logger, s.Tick, opts...)
}
