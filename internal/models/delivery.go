package models

import (
	"fmt"
	"time"
)

// DeliveryState is the lifecycle position of one message for one recipient.
type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// Validate rejects any value outside the closed set.
func (s DeliveryState) Validate() error {
	switch s {
	case StateSending, StateSent, StateDelivered, StateRead, StateFailed:
		return nil
	default:
		return fmt.Errorf("unknown delivery state %q", string(s))
	}
}

// DeliveryStatus is keyed by (MessageID, RecipientID).
type DeliveryStatus struct {
	MessageID      string        `json:"message_id" cbor:"message_id"`
	RecipientID    string        `json:"recipient_id" cbor:"recipient_id"`
	ConversationID string        `json:"conversation_id" cbor:"conversation_id"`
	State          DeliveryState `json:"state" cbor:"state"`
	SentAt         time.Time     `json:"sent_at,omitempty" cbor:"sent_at"`
	DeliveredAt    time.Time     `json:"delivered_at,omitempty" cbor:"delivered_at"`
	ReadAt         time.Time     `json:"read_at,omitempty" cbor:"read_at"`
	FailedAt       time.Time     `json:"failed_at,omitempty" cbor:"failed_at"`
	Attempts       int           `json:"attempts" cbor:"attempts"`
	FailureReason  string        `json:"failure_reason,omitempty" cbor:"failure_reason,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at" cbor:"updated_at"`
}

// Receipt is one member's individual delivery and read record.
type Receipt struct {
	UserID      string        `json:"user_id"`
	State       DeliveryState `json:"state"`
	DeliveredAt time.Time     `json:"delivered_at,omitempty"`
	ReadAt      time.Time     `json:"read_at,omitempty"`
}

// GroupStatus is the aggregate status of a group message with per-member receipts.
type GroupStatus struct {
	MessageID string        `json:"message_id"`
	State     DeliveryState `json:"state"`
	Receipts  []Receipt     `json:"receipts"`
}
