package order

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRouting, true},
		{StatusFailed, StatusRouting, true},
		{StatusRouting, StatusBuilding, true},
		{StatusBuilding, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusRouting, StatusFailed, true},
		{StatusPending, StatusBuilding, false},
		{StatusRouting, StatusConfirmed, false},
		{StatusBuilding, StatusRouting, false},
		{StatusConfirmed, StatusFailed, false},
		{StatusConfirmed, StatusRouting, false},
		{StatusSubmitted, StatusBuilding, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Request{TokenIn: "SOL", TokenOut: "USDC", AmountIn: decimal.Zero})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = New(Request{TokenIn: " ", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tokenIn", verr.Field)

	o, err := New(Request{TokenIn: "SOL", TokenOut: "USDC", AmountIn: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Len(t, o.ID, 36)
	assert.Equal(t, o.ID, o.Job().OrderID)
}

func TestApplyLifecycle(t *testing.T) {
	o, err := New(Request{TokenIn: "SOL", TokenOut: "USDC", AmountIn: decimal.NewFromInt(100)})
	require.NoError(t, err)

	require.NoError(t, o.Apply(StatusRouting, Patch{}))
	require.NoError(t, o.Apply(StatusBuilding, Patch{SelectedVenue: "Raydium"}))
	require.NoError(t, o.Apply(StatusSubmitted, Patch{}))
	require.NoError(t, o.Apply(StatusFailed, Patch{FailureReason: "slippage"}))
	assert.Equal(t, "Raydium", o.SelectedVenue)
	assert.Equal(t, "slippage", o.FailureReason)

	// retry re-enters routing and clears the previous attempt's fields
	require.NoError(t, o.Apply(StatusRouting, Patch{}))
	assert.Empty(t, o.SelectedVenue)
	assert.Empty(t, o.FailureReason)

	require.NoError(t, o.Apply(StatusBuilding, Patch{SelectedVenue: "Meteora"}))
	require.NoError(t, o.Apply(StatusSubmitted, Patch{}))
	require.NoError(t, o.Apply(StatusConfirmed, Patch{TxHash: "sol_abc", ExecutionPrice: decimal.NewFromInt(150)}))
	assert.Equal(t, "sol_abc", o.TxHash)
	assert.Equal(t, "Meteora", o.SelectedVenue)
	assert.True(t, o.ExecutionPrice.Valid)

	err = o.Apply(StatusFailed, Patch{FailureReason: "late"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Empty(t, o.FailureReason)
}

func TestApplyConfirmedRecordsExecutedVenue(t *testing.T) {
	o, err := New(Request{TokenIn: "SOL", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.NoError(t, o.Apply(StatusRouting, Patch{}))
	require.NoError(t, o.Apply(StatusBuilding, Patch{SelectedVenue: "Meteora"}))
	require.NoError(t, o.Apply(StatusSubmitted, Patch{}))

	require.NoError(t, o.Apply(StatusConfirmed, Patch{SelectedVenue: "Raydium", TxHash: "sol_abc", ExecutionPrice: decimal.NewFromInt(150)}))
	assert.Equal(t, "Raydium", o.SelectedVenue)
}

func TestJobValidate(t *testing.T) {
	job := Job{OrderID: "1", TokenIn: "SOL", TokenOut: "USDC", AmountIn: decimal.NewFromInt(10)}
	require.NoError(t, job.Validate())

	job.OrderID = ""
	require.Error(t, job.Validate())

	job.OrderID = "1"
	job.AmountIn = decimal.NewFromInt(-1)
	require.Error(t, job.Validate())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Status: "confirmed"}.Terminal())
	assert.True(t, Event{Status: "failed"}.Terminal())
	assert.False(t, Event{Status: "failed", WillRetry: true}.Terminal())
	assert.False(t, Event{Status: "submitted"}.Terminal())
}

func TestFailureKindAndReason(t *testing.T) {
	cause := errors.New("swap failed on Raydium due to slippage exceeded")
	err := fmt.Errorf("%w: %w", ErrExecution, cause)

	assert.Equal(t, "execution", FailureKind(err))
	assert.Equal(t, cause.Error(), Reason(err))
	assert.Equal(t, "validation", FailureKind(&ValidationError{Field: "amountIn"}))
	assert.Equal(t, "unknown", FailureKind(cause))
	assert.Equal(t, cause.Error(), Reason(cause))
}
