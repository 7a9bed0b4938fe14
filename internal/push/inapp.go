package push

import (
	"context"
	"time"

	"lifeline/internal/events"
	"lifeline/internal/models"
)

// InApp delivers alerts to connected clients through the event hub. Handing
// the alert to the hub counts as delivery.
type InApp struct {
	publisher events.Publisher
	now       func() time.Time
}

// NewInApp creates the in-app transport.
func NewInApp(publisher events.Publisher) *InApp {
	return &InApp{publisher: publisher, now: time.Now}
}

func (t *InApp) Channel() models.Channel { return models.ChannelInApp }

func (t *InApp) Deliver(ctx context.Context, n Notification) (models.DeliveryState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.Channel = models.ChannelInApp
	t.publisher.Publish(events.Event{
		Type:      events.TypeInAppAlert,
		AccountID: n.RecipientID,
		At:        t.now(),
		Data:      n,
	})
	return models.StateDelivered, nil
}
