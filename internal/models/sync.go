package models

import "time"

// SyncMode distinguishes the two reconciliation paths.
type SyncMode string

const (
	SyncIncremental SyncMode = "incremental"
	SyncFull        SyncMode = "full"
)

// ChangeKind identifies the record carried by a remote change.
type ChangeKind string

const (
	ChangeMessage        ChangeKind = "message"
	ChangeDeliveryStatus ChangeKind = "delivery_status"
	ChangeSnapshot       ChangeKind = "snapshot"
)

// Change is one entry of the remote change log. Version is a logical cursor,
// never a wall-clock time.
type Change struct {
	Version  int64                      `json:"version" cbor:"version"`
	Kind     ChangeKind                 `json:"kind" cbor:"kind"`
	Message  *Message                   `json:"message,omitempty" cbor:"message,omitempty"`
	Status   *DeliveryStatus            `json:"status,omitempty" cbor:"status,omitempty"`
	Snapshot *ConversationStateSnapshot `json:"snapshot,omitempty" cbor:"snapshot,omitempty"`
}

// ItemKey returns the stable identifier used in per-item error reports.
func (c Change) ItemKey() string {
	switch c.Kind {
	case ChangeMessage:
		if c.Message != nil {
			return c.Message.ID
		}
	case ChangeDeliveryStatus:
		if c.Status != nil {
			return c.Status.MessageID + "/" + c.Status.RecipientID
		}
	case ChangeSnapshot:
		if c.Snapshot != nil {
			return c.Snapshot.ConversationID + "/" + c.Snapshot.DeviceID
		}
	}
	return ""
}

// ChangePage is one page of the remote change log.
type ChangePage struct {
	Changes    []Change `json:"changes"`
	NextCursor int64    `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// FullState is the authoritative state used to rebuild a device.
type FullState struct {
	Messages  []Message                   `json:"messages"`
	Statuses  []DeliveryStatus            `json:"statuses"`
	Snapshots []ConversationStateSnapshot `json:"snapshots"`
	Cursor    int64                       `json:"cursor"`
}

// ItemError is a non-fatal failure of one record during a sync pass.
type ItemError struct {
	Phase string `json:"phase"`
	Item  string `json:"item"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// SyncResult summarizes one pass.
type SyncResult struct {
	Mode                 SyncMode      `json:"mode"`
	DownloadedMessages   int           `json:"downloaded_messages"`
	UpdatedConversations int           `json:"updated_conversations"`
	UploadedOperations   int           `json:"uploaded_operations"`
	Conflicts            int           `json:"conflicts"`
	Cursor               int64         `json:"cursor"`
	Duration             time.Duration `json:"duration"`
	Errors               []ItemError   `json:"errors,omitempty"`
}
