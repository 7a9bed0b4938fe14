package models

import (
	"fmt"
	"time"
)

// OperationKind identifies the handler for a queued operation.
type OperationKind string

const (
	OpSendMessage       OperationKind = "send_message"
	OpAck               OperationKind = "ack"
	OpStatusUpdate      OperationKind = "status_update"
	OpSnapshotUpdate    OperationKind = "snapshot_update"
	OpBroadcastDelivery OperationKind = "broadcast_delivery"
)

// Validate rejects any value outside the closed set.
func (k OperationKind) Validate() error {
	switch k {
	case OpSendMessage, OpAck, OpStatusUpdate, OpSnapshotUpdate, OpBroadcastDelivery:
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", string(k))
	}
}

// Priority orders queued work. Lower values are dequeued first.
type Priority int

const (
	PriorityEmergency  Priority = 0
	PriorityDirect     Priority = 1
	PriorityGroup      Priority = 2
	PriorityBackground Priority = 3
)

// Validate rejects any value outside the closed set.
func (p Priority) Validate() error {
	switch p {
	case PriorityEmergency, PriorityDirect, PriorityGroup, PriorityBackground:
		return nil
	default:
		return fmt.Errorf("unknown priority %d", int(p))
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityDirect:
		return "direct"
	case PriorityGroup:
		return "group"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// OperationState is the queue-row lifecycle.
type OperationState string

const (
	OpPending   OperationState = "pending"
	OpInFlight  OperationState = "in_flight"
	OpFailed    OperationState = "failed"
	OpSucceeded OperationState = "succeeded"
)

// QueuedOperation is a durable record of outbound work.
type QueuedOperation struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Kind          OperationKind  `json:"kind"`
	Priority      Priority       `json:"priority"`
	Payload       []byte         `json:"-"`
	ContentType   string         `json:"content_type,omitempty"`
	Compression   string         `json:"compression"`
	OriginalSize  int            `json:"original_size"`
	StoredSize    int            `json:"stored_size"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	State         OperationState `json:"state"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SendPayload references a locally stored message to upload.
type SendPayload struct {
	MessageID string `cbor:"message_id"`
}

// AckPayload reports a delivery state change for one recipient.
type AckPayload struct {
	MessageID      string        `cbor:"message_id"`
	ConversationID string        `cbor:"conversation_id"`
	RecipientID    string        `cbor:"recipient_id"`
	State          DeliveryState `cbor:"state"`
	At             time.Time     `cbor:"at"`
}

// SnapshotPayload references a conversation snapshot to upload.
type SnapshotPayload struct {
	ConversationID string `cbor:"conversation_id"`
}

// BroadcastDeliveryPayload identifies one broadcast delivery to retry.
type BroadcastDeliveryPayload struct {
	JobID       string  `cbor:"job_id"`
	RecipientID string  `cbor:"recipient_id"`
	Channel     Channel `cbor:"channel"`
}
