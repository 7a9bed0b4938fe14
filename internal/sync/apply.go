package sync

import (
	"context"
	"time"

	"lifeline/internal/database"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/models"
	"lifeline/internal/privacy"
	"lifeline/internal/queue"

	"github.com/sirupsen/logrus"
)

// apply stores one remote change. Every branch is an idempotent upsert:
// applying the same change twice leaves local state as it was after the first.
func (c *Coordinator) apply(ctx context.Context, accountID string, change models.Change, result *models.SyncResult, touched map[string]bool) error {
	switch change.Kind {
	case models.ChangeMessage:
		if change.Message == nil {
			return errors.NewValidationError("message", change.ItemKey(), "message change without message")
		}
		return c.applyMessage(ctx, accountID, change.Message, result, touched)
	case models.ChangeDeliveryStatus:
		if change.Status == nil {
			return errors.NewValidationError("status", change.ItemKey(), "status change without status")
		}
		return c.applyStatus(ctx, change.Status)
	case models.ChangeSnapshot:
		if change.Snapshot == nil {
			return errors.NewValidationError("snapshot", change.ItemKey(), "snapshot change without snapshot")
		}
		return c.applySnapshot(ctx, accountID, change.Snapshot, result, touched)
	default:
		return errors.NewValidationError("kind", string(change.Kind), "unknown change kind")
	}
}

func (c *Coordinator) applyMessage(ctx context.Context, accountID string, msg *models.Message, result *models.SyncResult, touched map[string]bool) error {
	// A message addressed to this account is stored together with its
	// delivered status and the ack that reports it, so a replay that finds
	// the message already stored has nothing left to do.
	batch := database.MessageBatch{Message: msg}
	var (
		received *models.DeliveryStatus
		ackOp    *models.QueuedOperation
	)
	_, addressed := msg.EnvelopeFor(accountID)
	at := c.now()
	if addressed && msg.SenderID != accountID {
		var err error
		if received, err = c.tracker.Received(msg, accountID, at); err != nil {
			return err
		}
		ack, err := queue.Encode(models.OpAck, models.AckPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			RecipientID:    accountID,
			State:          models.StateDelivered,
			At:             at,
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode delivery ack")
		}
		if ackOp, err = c.queue.Prepare(ack, models.PriorityBackground); err != nil {
			return err
		}
		batch.Statuses = []*models.DeliveryStatus{received}
		batch.Operations = []*models.QueuedOperation{ackOp}
	}

	inserted, err := c.local.SaveMessageBatch(ctx, batch)
	if err != nil {
		return errors.NewDatabaseError("save message", err)
	}
	if !inserted {
		return nil
	}
	result.DownloadedMessages++
	touched[msg.ConversationID] = true

	if received != nil {
		c.tracker.Announce(received)
		c.queue.Committed(ackOp)
		// A status relayed before the message itself was left in place by the
		// batch; bring it forward.
		if _, err := c.tracker.Advance(ctx, msg.ID, msg.ConversationID, accountID, models.StateDelivered, at); err != nil && !stale(err) {
			c.logger.LogWarn(err, "Failed to advance delivery status", logrus.Fields{"message_id": privacy.MaskID(msg.ID)})
		}
	}

	// Totals are recounted from stored messages so replays cannot inflate them.
	total, err := c.local.CountMessages(ctx, msg.ConversationID)
	if err != nil {
		return errors.NewDatabaseError("count messages", err)
	}
	if _, err := c.reconciler.UpdateLocal(ctx, msg.ConversationID, func(s *models.ConversationStateSnapshot) {
		s.TotalMessages = total
	}); err != nil {
		return err
	}

	if received != nil {
		c.publisher.Publish(events.Event{Type: events.TypeMessageReceived, AccountID: accountID, At: at, Data: *msg})
	}
	return nil
}

func (c *Coordinator) applyStatus(ctx context.Context, st *models.DeliveryStatus) error {
	if err := st.State.Validate(); err != nil {
		return errors.NewValidationError("state", string(st.State), err.Error())
	}
	var err error
	if st.State == models.StateFailed {
		_, err = c.tracker.Fail(ctx, st.MessageID, st.RecipientID, st.FailureReason)
	} else {
		_, err = c.tracker.Advance(ctx, st.MessageID, st.ConversationID, st.RecipientID, st.State, c.statusTime(st))
	}
	if stale(err) {
		return nil
	}
	return err
}

func (c *Coordinator) applySnapshot(ctx context.Context, accountID string, snap *models.ConversationStateSnapshot, result *models.SyncResult, touched map[string]bool) error {
	if snap.DeviceID == c.reconciler.DeviceID() {
		return nil
	}
	if snap.AccountID != accountID {
		return errors.NewValidationError("account_id", snap.AccountID, "snapshot belongs to another account")
	}
	existing, err := c.reconciler.Snapshot(ctx, snap.ConversationID)
	if err != nil {
		return err
	}
	res, err := c.reconciler.ApplyRemote(ctx, *snap)
	if err != nil {
		return err
	}
	result.Conflicts += len(res.Records)
	if existing == nil || res.Conflicted {
		touched[snap.ConversationID] = true
	}
	return nil
}

// stale reports a remote status older than what this device already holds.
func stale(err error) bool {
	return errors.HasCode(err, errors.ErrCodeInvalidTransition) || errors.HasCode(err, errors.ErrCodeQueueExhausted)
}

// statusTime picks the timestamp that belongs to the status's state.
func (c *Coordinator) statusTime(st *models.DeliveryStatus) time.Time {
	at := st.UpdatedAt
	switch st.State {
	case models.StateSent:
		at = firstSet(st.SentAt, at)
	case models.StateDelivered:
		at = firstSet(st.DeliveredAt, at)
	case models.StateRead:
		at = firstSet(st.ReadAt, at)
	}
	return firstSet(at, c.now())
}

func firstSet(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	return a
}
