package rails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_Thresholds(t *testing.T) {
	tests := []struct {
		notional  int64
		rail      string
		logistics string
	}{
		{0, "ACH", "REGISTERED_POST"},
		{999_999, "ACH", "REGISTERED_POST"},
		{1_000_000, "WIRE", "INSURED_COURIER"},
		{10_000_000, "WIRE_PRIORITY", "ARMORED_TRANSPORT"},
		{99_999_999, "WIRE_PRIORITY", "ARMORED_TRANSPORT"},
		{100_000_000, "RTGS", "ARMORED_TRANSPORT"},
	}

	for _, tt := range tests {
		r := Route(tt.notional)
		assert.Equal(t, tt.rail, r.PaymentRail, "notional %d", tt.notional)
		assert.Equal(t, tt.logistics, r.Logistics, "notional %d", tt.notional)
		assert.Equal(t, Route(tt.notional), r)
	}
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome("CLEARED")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, o)

	_, err = ParseOutcome("PENDING")
	assert.Error(t, err)
}

func TestSimulatedClient_ResolvesAfterLatency(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	client := NewSimulatedClient(42).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ref, err := client.Submit(ctx, "STL_1", Route(10_000_000))
	require.NoError(t, err)
	assert.Contains(t, ref, "WIRE_PRIORITY-")

	again, err := client.Submit(ctx, "STL_1", Route(10_000_000))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	outcome, err := client.Poll(ctx, "STL_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)

	now = now.Add(time.Minute)
	outcome, err = client.Poll(ctx, "STL_1")
	require.NoError(t, err)
	assert.Contains(t, []Outcome{OutcomeCleared, OutcomeRejected, OutcomeUnknown}, outcome)

	_, err = client.Poll(ctx, "STL_1")
	assert.ErrorIs(t, err, ErrUnknownSubmission)
}

func TestSimulatedClient_UnknownRail(t *testing.T) {
	client := NewSimulatedClient(1)
	_, err := client.Submit(context.Background(), "STL_2", Routing{PaymentRail: "CARRIER_PIGEON"})
	assert.Error(t, err)
}
