package delivery

import (
	"math/rand"
	"testing"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func statusIn(state models.DeliveryState, attempts int) *models.DeliveryStatus {
	st := NewStatus("m1", "c1", "bob", t0)
	st.State = state
	st.Attempts = attempts
	return st
}

func TestTransition_Table(t *testing.T) {
	m := NewMachine(3)

	tests := []struct {
		name     string
		from     models.DeliveryState
		attempts int
		to       models.DeliveryState
		changed  bool
		code     errors.ErrorCode
	}{
		{"sending to sent", models.StateSending, 1, models.StateSent, true, ""},
		{"sent to delivered", models.StateSent, 1, models.StateDelivered, true, ""},
		{"delivered to read", models.StateDelivered, 1, models.StateRead, true, ""},
		{"skip sending to read", models.StateSending, 1, models.StateRead, true, ""},
		{"duplicate delivered", models.StateDelivered, 1, models.StateDelivered, false, ""},
		{"duplicate failed", models.StateFailed, 1, models.StateFailed, false, ""},
		{"read to delivered", models.StateRead, 1, models.StateDelivered, false, errors.ErrCodeInvalidTransition},
		{"delivered to sent", models.StateDelivered, 1, models.StateSent, false, errors.ErrCodeInvalidTransition},
		{"sent to sending", models.StateSent, 1, models.StateSending, false, errors.ErrCodeInvalidTransition},
		{"sending to failed", models.StateSending, 1, models.StateFailed, true, ""},
		{"delivered to failed", models.StateDelivered, 1, models.StateFailed, true, ""},
		{"read to failed", models.StateRead, 1, models.StateFailed, false, errors.ErrCodeInvalidTransition},
		{"failed to sending", models.StateFailed, 2, models.StateSending, true, ""},
		{"failed to sending at ceiling", models.StateFailed, 3, models.StateSending, false, errors.ErrCodeQueueExhausted},
		{"failed to delivered", models.StateFailed, 1, models.StateDelivered, false, errors.ErrCodeInvalidTransition},
		{"unknown target", models.StateSent, 1, models.DeliveryState("lost"), false, errors.ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := statusIn(tt.from, tt.attempts)
			changed, err := m.Transition(st, tt.to, t0.Add(time.Minute))
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, errors.GetCode(err))
				assert.False(t, errors.IsRetryable(err))
				assert.Equal(t, tt.from, st.State, "rejected transitions leave the status untouched")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.to, st.State)
		})
	}
}

func TestTransition_SkipFillsTimestamps(t *testing.T) {
	m := NewMachine(3)
	st := NewStatus("m1", "c1", "bob", t0)

	_, err := m.Transition(st, models.StateRead, t0)
	require.NoError(t, err)

	assert.Equal(t, t0, st.SentAt)
	assert.Equal(t, t0, st.DeliveredAt)
	assert.True(t, st.DeliveredAt.Before(st.ReadAt), "delivery strictly precedes read")
	assert.Equal(t, time.Nanosecond, st.ReadAt.Sub(st.DeliveredAt))
}

func TestTransition_TimestampsNeverMoveBack(t *testing.T) {
	m := NewMachine(3)
	st := NewStatus("m1", "c1", "bob", t0)

	_, err := m.Transition(st, models.StateDelivered, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = m.Transition(st, models.StateRead, t0)
	require.NoError(t, err)

	assert.True(t, st.ReadAt.After(st.DeliveredAt))
	assert.False(t, st.DeliveredAt.Before(st.SentAt))
}

func TestTransition_RetryClearsFailure(t *testing.T) {
	m := NewMachine(2)
	st := NewStatus("m1", "c1", "bob", t0)

	_, err := m.Fail(st, "remote unavailable", t0)
	require.NoError(t, err)
	assert.Equal(t, "remote unavailable", st.FailureReason)
	assert.Equal(t, t0, st.FailedAt)

	_, err = m.Transition(st, models.StateSending, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempts)
	assert.Empty(t, st.FailureReason)
	assert.True(t, st.FailedAt.IsZero())

	_, err = m.Fail(st, "recipient blocked", t0.Add(2*time.Second))
	require.NoError(t, err)
	_, err = m.Transition(st, models.StateSending, t0.Add(3*time.Second))
	assert.Equal(t, errors.ErrCodeQueueExhausted, errors.GetCode(err))
}

func TestTransition_ObservedStatesAreMonotonic(t *testing.T) {
	m := NewMachine(3)
	states := []models.DeliveryState{models.StateSending, models.StateSent, models.StateDelivered, models.StateRead}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		st := NewStatus("m1", "c1", "bob", t0)
		observed := []models.DeliveryState{st.State}
		at := t0
		for i := 0; i < 12; i++ {
			at = at.Add(time.Duration(rng.Intn(3)) * time.Second)
			changed, err := m.Transition(st, states[rng.Intn(len(states))], at)
			if err == nil && changed {
				observed = append(observed, st.State)
			}
		}
		for i := 1; i < len(observed); i++ {
			assert.Greater(t, rank[observed[i]], rank[observed[i-1]], "run %d: %v", run, observed)
		}
		if !st.ReadAt.IsZero() {
			assert.True(t, st.DeliveredAt.Before(st.ReadAt))
		}
	}
}

func TestAggregate(t *testing.T) {
	at := t0
	st := func(recipient string, state models.DeliveryState) models.DeliveryStatus {
		s := NewStatus("m1", "g1", recipient, at)
		_, err := NewMachine(3).Transition(s, state, at)
		require.NoError(t, err)
		return *s
	}
	members := []string{"alice", "bob", "carol"}

	t.Run("delivered only when every active member delivered", func(t *testing.T) {
		statuses := []models.DeliveryStatus{st("alice", models.StateDelivered), st("bob", models.StateDelivered)}
		assert.Equal(t, models.StateSending, Aggregate("m1", statuses, members).State, "carol has no status yet")

		statuses = append(statuses, st("carol", models.StateRead))
		got := Aggregate("m1", statuses, members)
		assert.Equal(t, models.StateDelivered, got.State)
		require.Len(t, got.Receipts, 3)
		assert.Equal(t, models.StateRead, got.Receipts[2].State)
		assert.False(t, got.Receipts[2].ReadAt.IsZero())
	})

	t.Run("read iff every active member read", func(t *testing.T) {
		statuses := []models.DeliveryStatus{st("alice", models.StateRead), st("bob", models.StateRead), st("carol", models.StateDelivered)}
		assert.Equal(t, models.StateDelivered, Aggregate("m1", statuses, members).State)

		assert.Equal(t, models.StateRead, Aggregate("m1", statuses, []string{"alice", "bob"}).State, "carol left the group")
	})

	t.Run("failed member", func(t *testing.T) {
		failed := st("bob", models.StateSending)
		failed.State = models.StateFailed
		statuses := []models.DeliveryStatus{st("alice", models.StateRead), failed}
		assert.Equal(t, models.StateFailed, Aggregate("m1", statuses, []string{"alice", "bob"}).State)
	})

	t.Run("no members", func(t *testing.T) {
		assert.Equal(t, models.StateSending, Aggregate("m1", nil, nil).State)
	})

	t.Run("members default to recorded recipients", func(t *testing.T) {
		statuses := []models.DeliveryStatus{st("alice", models.StateRead), st("bob", models.StateRead)}
		assert.Equal(t, models.StateRead, Aggregate("m1", statuses, nil).State)
	})
}
