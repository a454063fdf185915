package payment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/loanbus/failure"
)

func TestWaterfall_Allocate_Scenario(t *testing.T) {
	entries, err := DefaultWaterfall().Allocate("loan-1", 10000, "pay-1")
	require.NoError(t, err)

	assert.Equal(t, []LedgerEntry{
		{LoanID: "loan-1", PaymentID: "pay-1", Category: CategoryLateFee, AmountCents: 2500, Position: 1},
		{LoanID: "loan-1", PaymentID: "pay-1", Category: CategoryInterest, AmountCents: 2250, Position: 2},
		{LoanID: "loan-1", PaymentID: "pay-1", Category: CategoryEscrow, AmountCents: 1000, Position: 3},
		{LoanID: "loan-1", PaymentID: "pay-1", Category: CategoryPrincipal, AmountCents: 4250, Position: 4},
	}, entries)
	assert.Equal(t, int64(1000), EscrowAmount(entries))
}

func TestWaterfall_Allocate_SumsToInput(t *testing.T) {
	w := DefaultWaterfall()
	for amount := int64(1); amount <= 60000; amount++ {
		entries, err := w.Allocate("loan-1", amount, "pay-1")
		if err != nil {
			var invariant *AllocationInvariantError
			require.ErrorAs(t, err, &invariant, "amount %d", amount)
			require.Less(t, amount, int64(3000), "amount %d must allocate", amount)
			continue
		}
		var sum int64
		for _, e := range entries {
			require.Positive(t, e.AmountCents, "amount %d category %s", amount, e.Category)
			sum += e.AmountCents
		}
		require.Equal(t, amount, sum, "amount %d", amount)
	}
}

func TestWaterfall_Allocate_LargestAmountHasNoNegativeEntry(t *testing.T) {
	for _, w := range []Waterfall{
		DefaultWaterfall(),
		{InterestShareBps: bpsDenominator},
		{EscrowShareBps: bpsDenominator},
	} {
		entries, err := w.Allocate("loan-1", MaxAmountCents, "pay-1")
		require.NoError(t, err)

		var sum int64
		for _, e := range entries {
			require.Positive(t, e.AmountCents, "category %s", e.Category)
			sum += e.AmountCents
		}
		assert.Equal(t, int64(MaxAmountCents), sum)
	}

	for _, amount := range []int64{MaxAmountCents + 1, 4_000_000_000_000_000} {
		entries, err := DefaultWaterfall().Allocate("loan-1", amount, "pay-1")
		assert.Nil(t, entries)
		var invariant *AllocationInvariantError
		require.ErrorAs(t, err, &invariant, "amount %d", amount)
		assert.True(t, failure.IsFatal(err))
	}
}

func TestWaterfall_Allocate_RoundsHalfUp(t *testing.T) {
	// 2500 late fee, 30% of 15 = 4.5 -> 5, 10% of 2515 = 251.5 -> 252.
	w := Waterfall{LateFeeCapCents: 2500, InterestShareBps: 3000, EscrowShareBps: 1000}
	_, err := w.Allocate("loan-1", 2515, "pay-1")
	var invariant *AllocationInvariantError
	require.ErrorAs(t, err, &invariant)

	w = Waterfall{LateFeeCapCents: 0, InterestShareBps: 3000, EscrowShareBps: 0}
	entries, err := w.Allocate("loan-1", 15, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, CategoryInterest, entries[0].Category)
	assert.Equal(t, int64(5), entries[0].AmountCents)
	assert.Equal(t, int64(10), entries[1].AmountCents)
}

func TestWaterfall_Allocate_SkipsZeroCategories(t *testing.T) {
	w := Waterfall{LateFeeCapCents: 0, InterestShareBps: 0, EscrowShareBps: 0}
	entries, err := w.Allocate("loan-1", 777, "pay-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CategoryPrincipal, entries[0].Category)
	assert.Equal(t, int64(777), entries[0].AmountCents)
	assert.Equal(t, 1, entries[0].Position)
	assert.Zero(t, EscrowAmount(entries))
}

func TestWaterfall_Allocate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		w      Waterfall
		amount int64
	}{
		{"zero amount", DefaultWaterfall(), 0},
		{"negative amount", DefaultWaterfall(), -100},
		{"overshoot", DefaultWaterfall(), 1000},
		{"share above 100%", Waterfall{InterestShareBps: 10001}, 1000},
		{"negative cap", Waterfall{LateFeeCapCents: -1}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := tt.w.Allocate("loan-1", tt.amount, "pay-1")
			assert.Nil(t, entries)

			var invariant *AllocationInvariantError
			require.True(t, errors.As(err, &invariant))
			assert.Equal(t, "pay-1", invariant.PaymentID)
			assert.True(t, failure.IsFatal(err))
		})
	}
}
