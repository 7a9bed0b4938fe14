// Package push hands broadcast alerts to notification channels: a message
// broker for device push and SMS gateways, and the in-process event hub for
// in-app alerts.
package push

import (
	"context"
	"fmt"
	"slices"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/models"
)

// Notification is one alert for one recipient on one channel.
type Notification struct {
	JobID       string          `json:"job_id"`
	RecipientID string          `json:"recipient_id"`
	Channel     models.Channel  `json:"channel"`
	Priority    models.Priority `json:"priority"`
	Body        []byte          `json:"body"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Transport delivers notifications over one channel.
type Transport interface {
	Channel() models.Channel
	// Deliver returns StateDelivered when the channel confirms receipt
	// synchronously and StateSent when confirmation arrives later. Retryable
	// errors mean the channel is temporarily unreachable.
	Deliver(ctx context.Context, n Notification) (models.DeliveryState, error)
}

// Set routes notifications to the transport of their channel.
type Set struct {
	transports map[models.Channel]Transport
}

// NewSet indexes transports by channel. A later transport replaces an
// earlier one for the same channel.
func NewSet(transports ...Transport) *Set {
	s := &Set{transports: make(map[models.Channel]Transport, len(transports))}
	for _, t := range transports {
		s.transports[t.Channel()] = t
	}
	return s
}

// Get returns the transport for channel.
func (s *Set) Get(channel models.Channel) (Transport, error) {
	t, ok := s.transports[channel]
	if !ok {
		return nil, errors.NewValidationError("channel", string(channel), fmt.Sprintf("no transport configured for %s", channel))
	}
	return t, nil
}

// Channels lists the configured channels in a stable order.
func (s *Set) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(s.transports))
	for ch := range s.transports {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Deliver sends n through the transport of its channel.
func (s *Set) Deliver(ctx context.Context, n Notification) (models.DeliveryState, error) {
	t, err := s.Get(n.Channel)
	if err != nil {
		return "", err
	}
	return t.Deliver(ctx, n)
}
