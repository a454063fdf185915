// Package payment splits incoming loan payments into ledger entries and
// applies them inside the tenant transaction of the consuming message.
package payment

import (
	"fmt"
	"math"

	"github.com/overtonx/loanbus/failure"
)

// Category is a ledger bucket a payment is applied to.
type Category string

const (
	CategoryLateFee   Category = "late_fee"
	CategoryInterest  Category = "interest"
	CategoryEscrow    Category = "escrow"
	CategoryPrincipal Category = "principal"
)

const bpsDenominator = 10000

// MaxAmountCents is the largest payment whose basis-point shares fit in an
// int64.
const MaxAmountCents = math.MaxInt64 / bpsDenominator

// LedgerEntry is one category's share of a payment.
type LedgerEntry struct {
	LoanID      string   `json:"loanId"`
	PaymentID   string   `json:"paymentId"`
	Category    Category `json:"category"`
	AmountCents int64    `json:"amountCents"`
	Position    int      `json:"position"`
}

// AllocationInvariantError rejects a payment the waterfall cannot split
// without allocating more than was paid. It is never retried.
type AllocationInvariantError struct {
	PaymentID   string
	AmountCents int64
	Reason      string
}

func (e *AllocationInvariantError) Error() string {
	return fmt.Sprintf("allocation of payment %s (%d cents) rejected: %s", e.PaymentID, e.AmountCents, e.Reason)
}

func (e *AllocationInvariantError) Kind() failure.Kind { return failure.KindFatal }

// Waterfall is the fixed rule set applied to every payment. Shares are in
// basis points, 3000 = 30%.
type Waterfall struct {
	LateFeeCapCents  int64 `yaml:"late_fee_cap_cents" env:"LATE_FEE_CAP_CENTS" envDefault:"2500"`
	InterestShareBps int64 `yaml:"interest_share_bps" env:"INTEREST_SHARE_BPS" envDefault:"3000"`
	EscrowShareBps   int64 `yaml:"escrow_share_bps" env:"ESCROW_SHARE_BPS" envDefault:"1000"`
}

// DefaultWaterfall is a $25.00 late fee cap, 30% interest on the remainder
// and 10% of the gross amount to escrow.
func DefaultWaterfall() Waterfall {
	return Waterfall{LateFeeCapCents: 2500, InterestShareBps: 3000, EscrowShareBps: 1000}
}

// Validate checks the rule set itself.
func (w Waterfall) Validate() error {
	if w.LateFeeCapCents < 0 {
		return fmt.Errorf("late fee cap must not be negative, got %d", w.LateFeeCapCents)
	}
	if w.InterestShareBps < 0 || w.InterestShareBps > bpsDenominator {
		return fmt.Errorf("interest share must be within 0..%d bps, got %d", bpsDenominator, w.InterestShareBps)
	}
	if w.EscrowShareBps < 0 || w.EscrowShareBps > bpsDenominator {
		return fmt.Errorf("escrow share must be within 0..%d bps, got %d", bpsDenominator, w.EscrowShareBps)
	}
	return nil
}

// Allocate splits amountCents in the fixed order late fee, interest, escrow,
// principal. Interest applies to what is left after the late fee, escrow to
// the gross amount, and principal takes the residual. Categories that come
// out at zero produce no entry. The entries always sum to amountCents.
func (w Waterfall) Allocate(loanID string, amountCents int64, paymentID string) ([]LedgerEntry, error) {
	if amountCents <= 0 {
		return nil, &AllocationInvariantError{PaymentID: paymentID, AmountCents: amountCents, Reason: "amount must be positive"}
	}
	if amountCents > MaxAmountCents {
		return nil, &AllocationInvariantError{
			PaymentID:   paymentID,
			AmountCents: amountCents,
			Reason:      fmt.Sprintf("amount exceeds %d cents", int64(MaxAmountCents)),
		}
	}
	if err := w.Validate(); err != nil {
		return nil, &AllocationInvariantError{PaymentID: paymentID, AmountCents: amountCents, Reason: err.Error()}
	}

	lateFee := min(amountCents, w.LateFeeCapCents)
	interest := share(amountCents-lateFee, w.InterestShareBps)
	escrow := share(amountCents, w.EscrowShareBps)
	principal := amountCents - lateFee - interest - escrow
	if principal < 0 {
		return nil, &AllocationInvariantError{
			PaymentID:   paymentID,
			AmountCents: amountCents,
			Reason:      fmt.Sprintf("waterfall overshoots by %d cents", -principal),
		}
	}

	amounts := []struct {
		category Category
		cents    int64
	}{
		{CategoryLateFee, lateFee},
		{CategoryInterest, interest},
		{CategoryEscrow, escrow},
		{CategoryPrincipal, principal},
	}

	entries := make([]LedgerEntry, 0, len(amounts))
	for _, a := range amounts {
		if a.cents == 0 {
			continue
		}
		entries = append(entries, LedgerEntry{
			LoanID:      loanID,
			PaymentID:   paymentID,
			Category:    a.category,
			AmountCents: a.cents,
			Position:    len(entries) + 1,
		})
	}
	return entries, nil
}

// share rounds cents*bps/10000 half up.
func share(cents, bps int64) int64 {
	return (cents*bps + bpsDenominator/2) / bpsDenominator
}

// EscrowAmount returns the escrow entry amount, zero when there is none.
func EscrowAmount(entries []LedgerEntry) int64 {
	for _, e := range entries {
		if e.Category == CategoryEscrow {
			return e.AmountCents
		}
	}
	return 0
}
