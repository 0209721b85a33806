package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	t.Run("PENDING can reach all pre-processing terminals", func(t *testing.T) {
		assert.True(t, ValidTransition(StatusPending, StatusExpired))
		assert.True(t, ValidTransition(StatusPending, StatusFailed))
		assert.True(t, ValidTransition(StatusPending, StatusProcessing))
		assert.True(t, ValidTransition(StatusPending, StatusPendingDeliberation))
	})

	t.Run("PROCESSING only reaches DELIVERED or FAILED", func(t *testing.T) {
		assert.True(t, ValidTransition(StatusProcessing, StatusDelivered))
		assert.True(t, ValidTransition(StatusProcessing, StatusFailed))
		assert.False(t, ValidTransition(StatusProcessing, StatusExpired))
		assert.False(t, ValidTransition(StatusProcessing, StatusPendingDeliberation))
	})

	t.Run("terminal states have no outgoing transitions", func(t *testing.T) {
		for _, s := range []Status{StatusDelivered, StatusFailed, StatusExpired} {
			assert.False(t, ValidTransition(s, StatusProcessing))
			assert.False(t, ValidTransition(s, StatusDelivered))
		}
	})
}

func TestMessageTransitionPanicsOnIllegalMove(t *testing.T) {
	m := &Message{Status: StatusDelivered, CreatedAt: time.Now()}
	assert.Panics(t, func() {
		m.transition(StatusProcessing, time.Now())
	})
}

func TestMessageIsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	m := &Message{ExpiresAt: &past}
	assert.True(t, m.IsExpired(now))

	m.ExpiresAt = &future
	assert.False(t, m.IsExpired(now))

	m.ExpiresAt = nil
	assert.False(t, m.IsExpired(now))
}

func TestTouchNeverMovesBeforeCreatedAt(t *testing.T) {
	created := time.Now()
	m := &Message{CreatedAt: created}
	m.Touch(created.Add(-time.Hour))
	assert.True(t, !m.UpdatedAt.Before(m.CreatedAt))
}

func TestFromPriorityNameAcceptsBothForms(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Priority
	}{
		{"LOW", PriorityLow},
		{"0", PriorityLow},
		{"HIGH", PriorityHigh},
		{"2", PriorityHigh},
		{"CRITICAL", PriorityCritical},
	} {
		got, ok := FromPriorityName(tc.in)
		require.True(t, ok, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, ok := FromPriorityName("bogus")
	assert.False(t, ok)
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityMedium))
	assert.Less(t, int(PriorityMedium), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityCritical))
}
