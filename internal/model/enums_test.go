package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestStatusGraph(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPendingVerification, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusCancelled, true},
		{StatusPendingVerification, StatusCompleted, true},
		{StatusPendingVerification, StatusRejected, true},
		{StatusPendingVerification, StatusCancelled, true},
		{StatusPendingVerification, StatusPending, false},
		{StatusPending, StatusPending, false},
		{StatusCompleted, StatusRejected, false},
		{StatusRejected, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSourcesOf(t *testing.T) {
	assert.Equal(t, []Status{StatusPending}, SourcesOf(StatusPendingVerification))
	assert.Equal(t, []Status{StatusPending, StatusPendingVerification}, SourcesOf(StatusCompleted))
	assert.Equal(t, []Status{StatusPending, StatusPendingVerification}, SourcesOf(StatusCancelled))
	assert.Empty(t, SourcesOf(StatusPending))
}

// TestStatusWalkProperty follows random edges of the graph and checks that a
// walk never leaves a terminal state and never visits two terminal states.
func TestStatusWalkProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := StatusPending
		terminals := 0
		steps := rapid.IntRange(1, 10).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(AllStatuses).Draw(t, "next")
			if !current.CanTransition(next) {
				continue
			}
			if current.IsTerminal() {
				t.Fatalf("left terminal state %s for %s", current, next)
			}
			current = next
			if current.IsTerminal() {
				terminals++
			}
		}

		if terminals > 1 {
			t.Fatalf("walk reached %d terminal states", terminals)
		}
	})
}

func TestEnumsValid(t *testing.T) {
	assert.True(t, KindDeposit.Valid())
	assert.False(t, Kind("refund").Valid())
	assert.True(t, MethodGateway.Valid())
	assert.False(t, Method("cash").Valid())
	for _, s := range AllStatuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("lost").Valid())
	assert.Equal(t, "auto_verified", AutoVerified.String())
	assert.Equal(t, "pending_admin_review", PendingAdminReview.String())
}
