package sync

import (
	"context"

	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/models"
	"lifeline/internal/privacy"
	"lifeline/internal/queue"
	"lifeline/internal/remote"
	"lifeline/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// RegisterHandlers installs the upload handlers for every operation kind the
// coordinator transmits.
func (c *Coordinator) RegisterHandlers(w *queue.Worker) {
	w.Handle(models.OpSendMessage, c.uploadMessage)
	w.Handle(models.OpAck, c.uploadStatus)
	w.Handle(models.OpStatusUpdate, c.uploadStatus)
	w.Handle(models.OpSnapshotUpdate, c.uploadSnapshot)
	w.OnExhausted(c.onExhausted)
}

// call runs fn through the remote circuit breaker. An open circuit is
// reported as an unavailable backend so the queue retries later.
func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(ctx, fn)
	if circuitbreaker.IsCircuitBreakerError(err) {
		return errors.NewUnavailableError("remote store", err)
	}
	return err
}

func (c *Coordinator) origin(ctx context.Context) (remote.Origin, error) {
	accountID, deviceID, err := c.session.Current(ctx)
	if err != nil {
		return remote.Origin{}, err
	}
	return remote.Origin{AccountID: accountID, DeviceID: deviceID}, nil
}

func (c *Coordinator) uploadMessage(ctx context.Context, op *models.QueuedOperation) error {
	var p models.SendPayload
	if err := queue.Decode(op, &p); err != nil {
		return errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable send payload")
	}
	from, err := c.origin(ctx)
	if err != nil {
		return err
	}
	msg, err := c.local.GetMessage(ctx, p.MessageID)
	if err != nil {
		return errors.NewDatabaseError("load message", err)
	}
	if msg == nil {
		return errors.NewNotFoundError("message", p.MessageID)
	}

	var created bool
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		_, created, err = c.remote.PutMessage(ctx, from, *msg)
		return err
	})
	if err != nil {
		return err
	}
	if err := c.tracker.AdvanceAll(ctx, msg.ID, models.StateSent, c.now()); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskID(msg.ID),
		"recipients": len(msg.Envelopes),
		"replayed":   !created,
	}).Debug("Uploaded message")
	return nil
}

func (c *Coordinator) uploadStatus(ctx context.Context, op *models.QueuedOperation) error {
	var p models.AckPayload
	if err := queue.Decode(op, &p); err != nil {
		return errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable status payload")
	}
	from, err := c.origin(ctx)
	if err != nil {
		return err
	}

	st, err := c.tracker.Get(ctx, p.MessageID, p.RecipientID)
	if err != nil {
		return err
	}
	if st == nil || st.State != p.State {
		// The local record moved on or was never kept; report what was acknowledged.
		st = &models.DeliveryStatus{
			MessageID:      p.MessageID,
			RecipientID:    p.RecipientID,
			ConversationID: p.ConversationID,
			State:          p.State,
			Attempts:       1,
			UpdatedAt:      p.At,
		}
		switch p.State {
		case models.StateDelivered:
			st.DeliveredAt = p.At
		case models.StateRead:
			st.DeliveredAt, st.ReadAt = p.At, p.At
		}
	}

	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.remote.PutDeliveryStatus(ctx, from, *st)
		return err
	})
}

func (c *Coordinator) uploadSnapshot(ctx context.Context, op *models.QueuedOperation) error {
	var p models.SnapshotPayload
	if err := queue.Decode(op, &p); err != nil {
		return errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable snapshot payload")
	}
	if _, err := c.origin(ctx); err != nil {
		return err
	}
	snap, err := c.reconciler.Snapshot(ctx, p.ConversationID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.remote.PutSnapshot(ctx, *snap)
		return err
	})
}

// onExhausted fails the delivery of a message whose upload will not be
// retried and tells subscribers about the dead operation.
func (c *Coordinator) onExhausted(ctx context.Context, op *models.QueuedOperation, cause error) {
	if op.Kind == models.OpSendMessage {
		var p models.SendPayload
		if err := queue.Decode(op, &p); err == nil {
			reason := string(errors.GetCode(cause))
			if reason == "" {
				reason = cause.Error()
			}
			if err := c.tracker.FailAll(ctx, p.MessageID, reason); err != nil {
				c.logger.LogError(err, "Failed to mark delivery failed", logrus.Fields{
					"message_id": privacy.MaskID(p.MessageID),
				})
			}
		}
	}

	if errors.HasCode(cause, errors.ErrCodeSessionExpired) {
		c.publisher.Publish(events.Event{Type: events.TypeSessionExpired, Data: cause.Error()})
	}
	c.publisher.Publish(events.Event{Type: events.TypeOperationFailed, Data: *op})
	c.logger.WithFields(logrus.Fields{
		"operation_id": privacy.MaskID(op.ID),
		"kind":         op.Kind,
		"attempts":     op.Attempts,
		"error_code":   errors.GetCode(cause),
	}).Warn("Operation failed permanently")
}
