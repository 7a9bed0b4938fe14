// Package delivery tracks the lifecycle of each message for each recipient:
// sending, sent, delivered and read, with failed as a side exit that a bounded
// retry may leave again.
package delivery

import (
	"fmt"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/models"
)

var rank = map[models.DeliveryState]int{
	models.StateSending:   0,
	models.StateSent:      1,
	models.StateDelivered: 2,
	models.StateRead:      3,
}

// Machine validates and applies transitions.
type Machine struct {
	maxAttempts int
}

// NewMachine creates a machine that allows failed to re-enter sending while
// fewer than maxAttempts sends have been made.
func NewMachine(maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Machine{maxAttempts: maxAttempts}
}

// NewStatus returns the initial status of a message for one recipient.
func NewStatus(messageID, conversationID, recipientID string, at time.Time) *models.DeliveryStatus {
	return &models.DeliveryStatus{
		MessageID:      messageID,
		ConversationID: conversationID,
		RecipientID:    recipientID,
		State:          models.StateSending,
		Attempts:       1,
		UpdatedAt:      at,
	}
}

// CanTransition reports whether st may move to target.
func (m *Machine) CanTransition(st *models.DeliveryStatus, to models.DeliveryState) error {
	if err := to.Validate(); err != nil {
		return errors.NewValidationError("state", string(to), err.Error())
	}
	from := st.State
	switch {
	case from == to:
		return nil
	case to == models.StateFailed:
		if from == models.StateRead {
			return errors.NewInvalidTransitionError(string(from), string(to))
		}
		return nil
	case from == models.StateFailed:
		if to != models.StateSending {
			return errors.NewInvalidTransitionError(string(from), string(to))
		}
		if st.Attempts >= m.maxAttempts {
			return errors.New(errors.ErrCodeQueueExhausted,
				fmt.Sprintf("delivery retried %d times", st.Attempts)).
				WithContext("message_id", st.MessageID).
				WithContext("recipient_id", st.RecipientID)
		}
		return nil
	case rank[to] > rank[from]:
		return nil
	default:
		return errors.NewInvalidTransitionError(string(from), string(to))
	}
}

// Transition moves st to target at time at. Repeating the current state is a
// no-op and reports changed=false. Forward skips fill the timestamps they pass
// over, and timestamps never move backwards: a delivery timestamp always
// strictly precedes the read timestamp of the same recipient.
func (m *Machine) Transition(st *models.DeliveryStatus, to models.DeliveryState, at time.Time) (changed bool, err error) {
	if err := m.CanTransition(st, to); err != nil {
		return false, err
	}
	if st.State == to {
		return false, nil
	}

	switch to {
	case models.StateFailed:
		st.FailedAt = at
	case models.StateSending:
		st.Attempts++
		st.FailedAt = time.Time{}
		st.FailureReason = ""
	default:
		m.stamp(st, to, at)
	}
	st.State = to
	st.UpdatedAt = at
	return true, nil
}

// Fail moves st to failed and records why.
func (m *Machine) Fail(st *models.DeliveryStatus, reason string, at time.Time) (bool, error) {
	changed, err := m.Transition(st, models.StateFailed, at)
	if err != nil {
		return false, err
	}
	if changed || st.FailureReason == "" {
		st.FailureReason = reason
	}
	return changed, nil
}

func (m *Machine) stamp(st *models.DeliveryStatus, to models.DeliveryState, at time.Time) {
	if st.SentAt.IsZero() {
		st.SentAt = at
	}
	if to == models.StateSent {
		return
	}

	if st.DeliveredAt.IsZero() {
		st.DeliveredAt = notBefore(at, st.SentAt)
	}
	if to == models.StateDelivered {
		return
	}

	read := notBefore(at, st.DeliveredAt)
	if !read.After(st.DeliveredAt) {
		read = st.DeliveredAt.Add(time.Nanosecond)
	}
	st.ReadAt = read
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

// Aggregate derives the group status of a message from its per-member
// statuses. Only activeMembers count; a member with no status yet counts as
// sending. Any failed member makes the aggregate failed so the sender sees a
// retry affordance. Otherwise the aggregate is the least advanced member
// state, so it is delivered only once every active member has delivered and
// read only once every active member has read.
func Aggregate(messageID string, statuses []models.DeliveryStatus, activeMembers []string) models.GroupStatus {
	byRecipient := make(map[string]models.DeliveryStatus, len(statuses))
	for _, st := range statuses {
		byRecipient[st.RecipientID] = st
	}
	if len(activeMembers) == 0 {
		for _, st := range statuses {
			activeMembers = append(activeMembers, st.RecipientID)
		}
	}

	out := models.GroupStatus{MessageID: messageID, State: models.StateRead}
	if len(activeMembers) == 0 {
		out.State = models.StateSending
		return out
	}

	failed := false
	seen := make(map[string]bool, len(activeMembers))
	for _, member := range activeMembers {
		if seen[member] {
			continue
		}
		seen[member] = true

		st, ok := byRecipient[member]
		if !ok {
			st = models.DeliveryStatus{RecipientID: member, State: models.StateSending}
		}
		out.Receipts = append(out.Receipts, models.Receipt{
			UserID:      member,
			State:       st.State,
			DeliveredAt: st.DeliveredAt,
			ReadAt:      st.ReadAt,
		})

		if st.State == models.StateFailed {
			failed = true
			continue
		}
		if rank[st.State] < rank[out.State] {
			out.State = st.State
		}
	}
	if failed {
		out.State = models.StateFailed
	}
	return out
}
