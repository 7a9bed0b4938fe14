package delivery

import (
	"context"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Store persists delivery statuses.
type Store interface {
	SaveDeliveryStatus(ctx context.Context, st *models.DeliveryStatus) error
	GetDeliveryStatus(ctx context.Context, messageID, recipientID string) (*models.DeliveryStatus, error)
	ListDeliveryStatuses(ctx context.Context, messageID string) ([]models.DeliveryStatus, error)
}

// Tracker applies transitions to stored statuses and publishes every change.
type Tracker struct {
	store     Store
	machine   *Machine
	publisher events.Publisher
	logger    *errors.Logger
	now       func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(store Store, machine *Machine, publisher events.Publisher, logger *logrus.Logger) *Tracker {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{
		store:     store,
		machine:   machine,
		publisher: publisher,
		logger:    errors.WrapLogger(logger),
		now:       time.Now,
	}
}

// Machine returns the transition rules in use.
func (t *Tracker) Machine() *Machine {
	return t.machine
}

// Begin records the sending state for every recipient of msg. Recipients that
// already have a status are left untouched so replays do not reset progress.
func (t *Tracker) Begin(ctx context.Context, msg *models.Message, recipients []string) error {
	at := t.now()
	for _, recipient := range recipients {
		existing, err := t.store.GetDeliveryStatus(ctx, msg.ID, recipient)
		if err != nil {
			return errors.NewDatabaseError("load delivery status", err)
		}
		if existing != nil {
			continue
		}
		st := NewStatus(msg.ID, msg.ConversationID, recipient, at)
		if err := t.store.SaveDeliveryStatus(ctx, st); err != nil {
			return errors.NewDatabaseError("save delivery status", err)
		}
		t.emit(st)
	}
	return nil
}

// Initial returns the sending statuses for a new message without storing
// them. Pair with Announce once they are stored.
func (t *Tracker) Initial(msg *models.Message, recipients []string) []*models.DeliveryStatus {
	at := t.now()
	out := make([]*models.DeliveryStatus, 0, len(recipients))
	for _, recipient := range recipients {
		out = append(out, NewStatus(msg.ID, msg.ConversationID, recipient, at))
	}
	return out
}

// Received returns the delivered status of a message that reached
// recipientID, without storing it.
func (t *Tracker) Received(msg *models.Message, recipientID string, at time.Time) (*models.DeliveryStatus, error) {
	st := NewStatus(msg.ID, msg.ConversationID, recipientID, at)
	if _, err := t.machine.Transition(st, models.StateDelivered, at); err != nil {
		return nil, err
	}
	return st, nil
}

// Announce publishes statuses stored outside the tracker.
func (t *Tracker) Announce(statuses ...*models.DeliveryStatus) {
	for _, st := range statuses {
		metrics.IncrementCounter("delivery_transitions_total", map[string]string{"state": string(st.State)}, "Delivery state transitions")
		t.emit(st)
	}
}

// Advance moves one recipient's status to state. A status that does not exist
// yet is created on the fly, which happens when acknowledgements for a
// message arrive on a device that did not send it.
func (t *Tracker) Advance(ctx context.Context, messageID, conversationID, recipientID string, to models.DeliveryState, at time.Time) (*models.DeliveryStatus, error) {
	st, created, err := t.load(ctx, messageID, conversationID, recipientID, at)
	if err != nil {
		return nil, err
	}
	changed, err := t.machine.Transition(st, to, at)
	if err != nil {
		return st, err
	}
	if !changed && !created {
		return st, nil
	}
	return st, t.save(ctx, st)
}

// AdvanceAll moves every recorded recipient of a message to state, skipping
// recipients for which the move would be a regression.
func (t *Tracker) AdvanceAll(ctx context.Context, messageID string, to models.DeliveryState, at time.Time) error {
	statuses, err := t.store.ListDeliveryStatuses(ctx, messageID)
	if err != nil {
		return errors.NewDatabaseError("list delivery statuses", err)
	}
	for i := range statuses {
		st := &statuses[i]
		changed, err := t.machine.Transition(st, to, at)
		if errors.HasCode(err, errors.ErrCodeInvalidTransition) {
			continue
		}
		if err != nil {
			return err
		}
		if changed {
			if err := t.save(ctx, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fail marks one recipient failed with reason.
func (t *Tracker) Fail(ctx context.Context, messageID, recipientID, reason string) (*models.DeliveryStatus, error) {
	at := t.now()
	st, created, err := t.load(ctx, messageID, "", recipientID, at)
	if err != nil {
		return nil, err
	}
	changed, err := t.machine.Fail(st, reason, at)
	if err != nil {
		return st, err
	}
	if !changed && !created {
		return st, nil
	}
	return st, t.save(ctx, st)
}

// FailAll marks every recipient of a message that has not been read as failed.
func (t *Tracker) FailAll(ctx context.Context, messageID, reason string) error {
	statuses, err := t.store.ListDeliveryStatuses(ctx, messageID)
	if err != nil {
		return errors.NewDatabaseError("list delivery statuses", err)
	}
	at := t.now()
	for i := range statuses {
		st := &statuses[i]
		changed, err := t.machine.Fail(st, reason, at)
		if err != nil {
			continue
		}
		if changed {
			if err := t.save(ctx, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resend moves a failed recipient back to sending, bounded by the retry ceiling.
func (t *Tracker) Resend(ctx context.Context, messageID, recipientID string) (*models.DeliveryStatus, error) {
	return t.Advance(ctx, messageID, "", recipientID, models.StateSending, t.now())
}

// Get returns one recipient's status or nil.
func (t *Tracker) Get(ctx context.Context, messageID, recipientID string) (*models.DeliveryStatus, error) {
	st, err := t.store.GetDeliveryStatus(ctx, messageID, recipientID)
	if err != nil {
		return nil, errors.NewDatabaseError("load delivery status", err)
	}
	return st, nil
}

// GroupStatus aggregates the per-member statuses of a group message.
func (t *Tracker) GroupStatus(ctx context.Context, messageID string, activeMembers []string) (models.GroupStatus, error) {
	statuses, err := t.store.ListDeliveryStatuses(ctx, messageID)
	if err != nil {
		return models.GroupStatus{}, errors.NewDatabaseError("list delivery statuses", err)
	}
	return Aggregate(messageID, statuses, activeMembers), nil
}

func (t *Tracker) load(ctx context.Context, messageID, conversationID, recipientID string, at time.Time) (st *models.DeliveryStatus, created bool, err error) {
	st, err = t.store.GetDeliveryStatus(ctx, messageID, recipientID)
	if err != nil {
		return nil, false, errors.NewDatabaseError("load delivery status", err)
	}
	if st == nil {
		return NewStatus(messageID, conversationID, recipientID, at), true, nil
	}
	return st, false, nil
}

func (t *Tracker) save(ctx context.Context, st *models.DeliveryStatus) error {
	if err := t.store.SaveDeliveryStatus(ctx, st); err != nil {
		return errors.NewDatabaseError("save delivery status", err)
	}
	metrics.IncrementCounter("delivery_transitions_total", map[string]string{"state": string(st.State)}, "Delivery state transitions")
	t.logger.WithFields(logrus.Fields{
		"message_id":   privacy.MaskID(st.MessageID),
		"recipient_id": privacy.MaskAccountID(st.RecipientID),
		"state":        st.State,
	}).Debug("Delivery status changed")
	t.emit(st)
	return nil
}

func (t *Tracker) emit(st *models.DeliveryStatus) {
	t.publisher.Publish(events.Event{
		Type: events.TypeDeliveryStatus,
		At:   st.UpdatedAt,
		Data: *st,
	})
}
