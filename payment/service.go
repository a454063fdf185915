package payment

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/envelope"
	"github.com/overtonx/loanbus/outbox"
	"github.com/overtonx/loanbus/storage"
)

// Event types written to the outbox.
const (
	EventProcessed = "payment.processed"
	EventFailed    = "payment.failed"
	aggregateType  = "payment"
)

//go:embed allocate.schema.json
var allocateSchemaDoc []byte

// AllocateSchema validates payments.allocate.v1 payloads.
var AllocateSchema = envelope.MustCompileSchema("payments.allocate.v1", allocateSchemaDoc)

// AllocateCommand is the payload of payments.allocate.v1.
type AllocateCommand struct {
	PaymentID   string `json:"paymentId"`
	LoanID      string `json:"loanId"`
	AmountCents int64  `json:"amountCents"`
}

// ProcessedEvent is the payload of payment.processed.
type ProcessedEvent struct {
	PaymentID     string        `json:"paymentId"`
	LoanID        string        `json:"loanId"`
	AmountCents   int64         `json:"amountCents"`
	Entries       []LedgerEntry `json:"entries"`
	CorrelationID string        `json:"correlationId"`
	ProcessedAt   time.Time     `json:"processedAt"`
}

// FailedEvent is the payload of payment.failed.
type FailedEvent struct {
	PaymentID     string    `json:"paymentId,omitempty"`
	LoanID        string    `json:"loanId,omitempty"`
	Error         string    `json:"error"`
	CorrelationID string    `json:"correlationId"`
	FailedAt      time.Time `json:"failedAt"`
}

// Service applies payments. Handle and OnFinalFailure expect ctx to carry
// the tenant transaction opened by the consumer runtime.
type Service struct {
	repo      Repository
	exec      storage.Executor
	writer    *outbox.Writer
	waterfall Waterfall
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   embedded.MetricsCollector
}

// Option configures a Service.
type Option func(*Service)

func WithWaterfall(w Waterfall) Option {
	return func(s *Service) {
		s.waterfall = w
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
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

// NewService creates a payment service.
func NewService(repo Repository, exec storage.Executor, writer *outbox.Writer, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		exec:      exec,
		writer:    writer,
		waterfall: DefaultWaterfall(),
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		metrics:   embedded.NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle allocates the payment in msg. A payment that is already processed
// or already has ledger entries is left untouched.
func (s *Service) Handle(ctx context.Context, msg *envelope.Envelope) error {
	if err := envelope.ValidateMessage(msg, AllocateSchema); err != nil {
		return err
	}
	var cmd AllocateCommand
	if err := msg.Bind(&cmd); err != nil {
		return err
	}

	entries, err := s.waterfall.Allocate(cmd.LoanID, cmd.AmountCents, cmd.PaymentID)
	if err != nil {
		s.metrics.IncrementCounter("payment.allocation_rejected", nil)
		return err
	}

	fields := []zap.Field{
		zap.String("tenant_id", msg.TenantID),
		zap.String("payment_id", cmd.PaymentID),
		zap.String("loan_id", cmd.LoanID),
		zap.String("correlation_id", msg.CorrelationID),
	}

	status, err := s.repo.Acquire(ctx, Payment{
		ID:          cmd.PaymentID,
		TenantID:    msg.TenantID,
		LoanID:      cmd.LoanID,
		AmountCents: cmd.AmountCents,
	})
	if err != nil {
		return err
	}
	if status == StatusProcessed {
		s.logger.Info("Payment already processed", fields...)
		s.metrics.IncrementCounter("payment.already_processed", nil)
		return nil
	}
	exists, err := s.repo.HasEntries(ctx, msg.TenantID, cmd.PaymentID)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Warn("Payment already has ledger entries, skipping allocation", fields...)
		s.metrics.IncrementCounter("payment.already_processed", nil)
		return nil
	}

	if err := s.repo.SetStatus(ctx, msg.TenantID, cmd.PaymentID, StatusProcessing, ""); err != nil {
		return err
	}
	if err := s.repo.InsertEntries(ctx, msg.TenantID, entries); err != nil {
		return err
	}
	if escrow := EscrowAmount(entries); escrow > 0 {
		if err := s.repo.CreditEscrow(ctx, msg.TenantID, cmd.LoanID, escrow); err != nil {
			return err
		}
	}
	if err := s.repo.SetStatus(ctx, msg.TenantID, cmd.PaymentID, StatusProcessed, ""); err != nil {
		return err
	}

	err = s.writer.PublishEvent(ctx, s.exec.Conn(ctx), outbox.Event{
		TenantID:      msg.TenantID,
		EventType:     EventProcessed,
		AggregateType: aggregateType,
		AggregateID:   cmd.PaymentID,
		Headers:       map[string]string{"correlation_id": msg.CorrelationID},
		Payload: ProcessedEvent{
			PaymentID:     cmd.PaymentID,
			LoanID:        cmd.LoanID,
			AmountCents:   cmd.AmountCents,
			Entries:       entries,
			CorrelationID: msg.CorrelationID,
			ProcessedAt:   s.clock.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", EventProcessed, err)
	}

	s.logger.Info("Payment allocated", append(fields, zap.Int("entries", len(entries)))...)
	s.metrics.IncrementCounter("payment.allocated", nil)
	return nil
}

// OnFinalFailure marks the payment failed and records payment.failed. It
// runs in a fresh tenant transaction after the handler's one rolled back.
func (s *Service) OnFinalFailure(ctx context.Context, msg *envelope.Envelope, cause error) error {
	var cmd AllocateCommand
	if err := msg.Bind(&cmd); err != nil {
		s.logger.Warn("Payment payload unreadable, recording failure without payment id",
			zap.String("tenant_id", msg.TenantID), zap.Error(err))
	}

	if cmd.PaymentID != "" && cmd.LoanID != "" {
		status, err := s.repo.Acquire(ctx, Payment{
			ID:          cmd.PaymentID,
			TenantID:    msg.TenantID,
			LoanID:      cmd.LoanID,
			AmountCents: cmd.AmountCents,
		})
		if err != nil {
			return err
		}
		if status == StatusProcessed {
			return nil
		}
		if err := s.repo.SetStatus(ctx, msg.TenantID, cmd.PaymentID, StatusFailed, cause.Error()); err != nil {
			return err
		}
	}

	aggregateID := cmd.PaymentID
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
			PaymentID:     cmd.PaymentID,
			LoanID:        cmd.LoanID,
			Error:         cause.Error(),
			CorrelationID: msg.CorrelationID,
			FailedAt:      s.clock.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", EventFailed, err)
	}
	s.metrics.IncrementCounter("payment.failed", nil)
	return nil
}
