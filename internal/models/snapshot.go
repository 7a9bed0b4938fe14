package models

import (
	"fmt"
	"sort"
	"time"
)

// FieldValue is a general conversation setting with its own logical version.
type FieldValue struct {
	Value   string `json:"value" cbor:"value"`
	Version int64  `json:"version" cbor:"version"`
}

// ConversationStateSnapshot is one device's view of a conversation.
type ConversationStateSnapshot struct {
	ConversationID   string                `json:"conversation_id" cbor:"conversation_id"`
	AccountID        string                `json:"account_id" cbor:"account_id"`
	DeviceID         string                `json:"device_id" cbor:"device_id"`
	ReadMessageIDs   []string              `json:"read_message_ids" cbor:"read_message_ids"`
	TotalMessages    int                   `json:"total_messages" cbor:"total_messages"`
	UnreadCount      int                   `json:"unread_count" cbor:"unread_count"`
	ScrollCheckpoint string                `json:"scroll_checkpoint,omitempty" cbor:"scroll_checkpoint,omitempty"`
	Fields           map[string]FieldValue `json:"fields,omitempty" cbor:"fields,omitempty"`
	Version          int64                 `json:"version" cbor:"version"`
	UpdatedAt        time.Time             `json:"updated_at" cbor:"updated_at"`
}

// HasRead reports whether messageID is in the read set.
func (s *ConversationStateSnapshot) HasRead(messageID string) bool {
	i := sort.SearchStrings(s.ReadMessageIDs, messageID)
	return i < len(s.ReadMessageIDs) && s.ReadMessageIDs[i] == messageID
}

// AddRead inserts ids into the sorted read set and reports how many were new.
func (s *ConversationStateSnapshot) AddRead(ids ...string) int {
	added := 0
	for _, id := range ids {
		i := sort.SearchStrings(s.ReadMessageIDs, id)
		if i < len(s.ReadMessageIDs) && s.ReadMessageIDs[i] == id {
			continue
		}
		s.ReadMessageIDs = append(s.ReadMessageIDs, "")
		copy(s.ReadMessageIDs[i+1:], s.ReadMessageIDs[i:])
		s.ReadMessageIDs[i] = id
		added++
	}
	return added
}

// RecomputeUnread derives UnreadCount from TotalMessages and the read set.
func (s *ConversationStateSnapshot) RecomputeUnread() {
	unread := s.TotalMessages - len(s.ReadMessageIDs)
	if unread < 0 {
		unread = 0
	}
	s.UnreadCount = unread
}

// Clone returns a deep copy.
func (s ConversationStateSnapshot) Clone() ConversationStateSnapshot {
	out := s
	out.ReadMessageIDs = append([]string(nil), s.ReadMessageIDs...)
	if s.Fields != nil {
		out.Fields = make(map[string]FieldValue, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// ConflictType selects the resolution strategy.
type ConflictType string

const (
	ConflictReadState ConflictType = "read_state"
	ConflictScroll    ConflictType = "scroll"
	ConflictField     ConflictType = "field"
)

// Validate rejects any value outside the closed set.
func (c ConflictType) Validate() error {
	switch c {
	case ConflictReadState, ConflictScroll, ConflictField:
		return nil
	default:
		return fmt.Errorf("unknown conflict type %q", string(c))
	}
}

// StrategyName identifies how a conflict was settled.
type StrategyName string

const (
	StrategyMerge     StrategyName = "merge"
	StrategyLocalWins StrategyName = "local_wins"
	StrategyAutomatic StrategyName = "automatic"
	StrategyManual    StrategyName = "manual"
)

// ConflictRecord is the audit trail of one resolution. Manual records stay
// unresolved until the caller settles them.
type ConflictRecord struct {
	ID             int64        `json:"id" db:"id"`
	ConversationID string       `json:"conversation_id" db:"conversation_id"`
	DeviceID       string       `json:"device_id" db:"device_id"`
	Type           ConflictType `json:"type" db:"conflict_type"`
	Field          string       `json:"field,omitempty" db:"field"`
	Strategy       StrategyName `json:"strategy" db:"strategy"`
	LocalValue     string       `json:"local_value" db:"local_value"`
	RemoteValue    string       `json:"remote_value" db:"remote_value"`
	ResultValue    string       `json:"result_value" db:"result_value"`
	Resolved       bool         `json:"resolved" db:"resolved"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}
