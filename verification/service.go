package verification

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/envelope"
	"github.com/overtonx/loanbus/outbox"
	"github.com/overtonx/loanbus/resilience"
	"github.com/overtonx/loanbus/storage"
)

// Event types written to the outbox.
const (
	EventCompleted = "verification.completed"
	EventFailed    = "verification.failed"
	aggregateType  = "loan"
)

// Record statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

//go:embed verify.schema.json
var verifySchemaDoc []byte

// VerifySchema validates vendor.verify.v1 payloads.
var VerifySchema = envelope.MustCompileSchema("vendor.verify.v1", verifySchemaDoc)

// VerifyCommand is the payload of vendor.verify.v1.
type VerifyCommand struct {
	LoanID  string          `json:"loanId"`
	Vendor  string          `json:"vendor"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CompletedEvent is the payload of verification.completed.
type CompletedEvent struct {
	VerificationID string    `json:"verificationId"`
	LoanID         string    `json:"loanId"`
	Vendor         Vendor    `json:"vendor"`
	Status         string    `json:"status"`
	ReferenceID    string    `json:"referenceId"`
	CorrelationID  string    `json:"correlationId"`
	CompletedAt    time.Time `json:"completedAt"`
}

// FailedEvent is the payload of verification.failed.
type FailedEvent struct {
	LoanID        string    `json:"loanId,omitempty"`
	Vendor        string    `json:"vendor,omitempty"`
	Error         string    `json:"error"`
	CorrelationID string    `json:"correlationId"`
	FailedAt      time.Time `json:"failedAt"`
}

// GuardConfig parameterizes the breaker and retrier built for each vendor.
type GuardConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
}

// DefaultGuardConfig opens a vendor's breaker after 5 failed calls for a
// minute and retries each call 3 times from 100ms.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		MaxRetries:       3,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         time.Second,
		Multiplier:       2,
	}
}

// Service handles vendor.verify.v1 commands.
type Service struct {
	client  *Client
	exec    storage.Executor
	writer  *outbox.Writer
	guards  map[Vendor]resilience.Guard
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics embedded.MetricsCollector

	guardConfig GuardConfig
	retryJitter resilience.Jitter
}

// Option configures a Service.
type Option func(*Service)

func WithGuardConfig(cfg GuardConfig) Option {
	return func(s *Service) {
		s.guardConfig = cfg
	}
}

// WithClock sets the clock used for timestamps and breaker timing.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithRetryJitter(j resilience.Jitter) Option {
	return func(s *Service) {
		s.retryJitter = j
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// NewService creates the service with one breaker per vendor.
func NewService(client *Client, exec storage.Executor, writer *outbox.Writer, opts ...Option) *Service {
	s := &Service{
		client:      client,
		exec:        exec,
		writer:      writer,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		metrics:     embedded.NopMetrics{},
		guardConfig: DefaultGuardConfig(),
		retryJitter: resilience.TenPercentJitter,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.guards = make(map[Vendor]resilience.Guard, len(Vendors))
	for _, v := range Vendors {
		s.guards[v] = s.newGuard(v)
	}
	return s
}

func (s *Service) newGuard(v Vendor) resilience.Guard {
	cfg := s.guardConfig
	name := string(v)
	return resilience.Guard{
		Breaker: resilience.NewCircuitBreaker(name, cfg.FailureThreshold, cfg.ResetTimeout,
			resilience.WithBreakerClock(s.clock),
			resilience.WithBreakerLogger(s.logger),
			resilience.WithStateChange(func(name string, _, to resilience.State) {
				s.metrics.RecordGauge("verification.breaker_state", float64(to), map[string]string{"vendor": name})
			}),
		),
		Retry: resilience.NewRetryWithBackoff(cfg.MaxRetries, cfg.BaseDelay, cfg.MaxDelay, cfg.Multiplier,
			resilience.WithJitter(s.retryJitter),
			resilience.WithRetryLogger(s.logger),
			resilience.WithRetryName("verify."+name),
		),
	}
}

// Breakers returns a snapshot of every vendor breaker.
func (s *Service) Breakers() map[string]resilience.BreakerState {
	out := make(map[string]resilience.BreakerState, len(s.guards))
	for v, g := range s.guards {
		out[string(v)] = g.Breaker.Snapshot()
	}
	return out
}

// Handle calls the vendor and stores the outcome with a
// verification.completed event in the tenant transaction carried by ctx.
func (s *Service) Handle(ctx context.Context, msg *envelope.Envelope) error {
	if err := envelope.ValidateMessage(msg, VerifySchema); err != nil {
		return err
	}
	var cmd VerifyCommand
	if err := msg.Bind(&cmd); err != nil {
		return err
	}
	vendor, err := ParseVendor(cmd.Vendor)
	if err != nil {
		return &envelope.ValidationError{Schema: VerifySchema.Name(), Err: err}
	}

	var resp *Response
	start := s.clock.Now()
	err = s.guards[vendor].Execute(ctx, func(ctx context.Context) error {
		r, err := s.client.Verify(ctx, vendor, Request{
			TenantID:  msg.TenantID,
			LoanID:    cmd.LoanID,
			RequestID: msg.MessageID(),
			Details:   cmd.Details,
		})
		resp = r
		return err
	})
	tags := map[string]string{"vendor": string(vendor)}
	s.metrics.RecordDuration("verification.call_duration", s.clock.Since(start), tags)
	if err != nil {
		var open *resilience.CircuitOpenError
		if errors.As(err, &open) {
			s.metrics.IncrementCounter("verification.circuit_open", tags)
		} else {
			s.metrics.IncrementCounter("verification.call_failed", tags)
		}
		return err
	}

	id := uuid.NewString()
	if err := s.insertRecord(ctx, id, msg.TenantID, cmd.LoanID, vendor, StatusCompleted, resp.Raw); err != nil {
		return err
	}

	err = s.writer.PublishEvent(ctx, s.exec.Conn(ctx), outbox.Event{
		TenantID:      msg.TenantID,
		EventType:     EventCompleted,
		AggregateType: aggregateType,
		AggregateID:   cmd.LoanID,
		Headers:       map[string]string{"correlation_id": msg.CorrelationID},
		Payload: CompletedEvent{
			VerificationID: id,
			LoanID:         cmd.LoanID,
			Vendor:         vendor,
			Status:         resp.Status,
			ReferenceID:    resp.ReferenceID,
			CorrelationID:  msg.CorrelationID,
			CompletedAt:    s.clock.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", EventCompleted, err)
	}

	s.metrics.IncrementCounter("verification.completed", tags)
	s.logger.Info("Verification completed",
		zap.String("tenant_id", msg.TenantID),
		zap.String("loan_id", cmd.LoanID),
		zap.String("vendor", string(vendor)),
		zap.String("vendor_status", resp.Status),
	)
	return nil
}

// OnFinalFailure stores a failed verification and records verification.failed.
func (s *Service) OnFinalFailure(ctx context.Context, msg *envelope.Envelope, cause error) error {
	var cmd VerifyCommand
	if err := msg.Bind(&cmd); err != nil {
		s.logger.Warn("Verification payload unreadable", zap.String("tenant_id", msg.TenantID), zap.Error(err))
	}

	aggregateID := cmd.LoanID
	if vendor, err := ParseVendor(cmd.Vendor); err == nil && cmd.LoanID != "" {
		detail, _ := json.Marshal(map[string]string{"error": cause.Error()})
		if err := s.insertRecord(ctx, uuid.NewString(), msg.TenantID, cmd.LoanID, vendor, StatusFailed, detail); err != nil {
			return err
		}
	}
	if aggregateID == "" {
		aggregateID = msg.MessageID()
	}

	err := s.writer.PublishEvent(ctx, s.exec.Conn(ctx), outbox.Event{
		TenantID:      msg.TenantID,
		EventType:     EventFailed,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Headers:       map[string]string{"correlation_id": msg.CorrelationID},
		Payload: FailedEvent{
			LoanID:        cmd.LoanID,
			Vendor:        cmd.Vendor,
			Error:         cause.Error(),
			CorrelationID: msg.CorrelationID,
			FailedAt:      s.clock.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", EventFailed, err)
	}
	s.metrics.IncrementCounter("verification.failed", map[string]string{"vendor": cmd.Vendor})
	return nil
}

func (s *Service) insertRecord(ctx context.Context, id, tenantID, loanID string, vendor Vendor, status string, response []byte) error {
	var body interface{}
	if len(response) > 0 {
		body = response
	}
	query := s.exec.Dialect().Rebind(`INSERT INTO vendor_verifications (id, tenant_id, loan_id, vendor, status, response) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.exec.Conn(ctx).ExecContext(ctx, query, id, tenantID, loanID, string(vendor), status, body); err != nil {
		return fmt.Errorf("failed to store %s verification for loan %s: %w", vendor, loanID, err)
	}
	return nil
}
