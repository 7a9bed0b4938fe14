package models

import (
	"fmt"
	"time"
)

// MessageType is the closed set of message payload kinds.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeMedia    MessageType = "media"
	MessageTypeLocation MessageType = "location"
)

// Validate rejects any value outside the closed set.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeText, MessageTypeMedia, MessageTypeLocation:
		return nil
	default:
		return fmt.Errorf("unknown message type %q", string(t))
	}
}

// EncryptionLevel is the protection level recorded on every envelope.
type EncryptionLevel string

const (
	LevelStandard     EncryptionLevel = "standard"
	LevelHighSecurity EncryptionLevel = "high_security"
	LevelAnonymous    EncryptionLevel = "anonymous"
)

// Validate rejects any value outside the closed set.
func (l EncryptionLevel) Validate() error {
	switch l {
	case LevelStandard, LevelHighSecurity, LevelAnonymous:
		return nil
	default:
		return fmt.Errorf("unknown encryption level %q", string(l))
	}
}

// Ciphertext is the single sealed content blob shared by every envelope of a message.
type Ciphertext struct {
	Data         []byte `json:"data" cbor:"data"`
	Algorithm    string `json:"algorithm" cbor:"algorithm"`
	SuiteVersion uint8  `json:"suite_version" cbor:"suite_version"`
}

// EncryptedEnvelope carries the content key wrapped for one recipient (or the
// coordinator of an anonymous report).
type EncryptedEnvelope struct {
	RecipientID  string          `json:"recipient_id" cbor:"recipient_id"`
	GroupID      string          `json:"group_id,omitempty" cbor:"group_id,omitempty"`
	KeyID        string          `json:"key_id" cbor:"key_id"`
	WrappedKey   []byte          `json:"wrapped_key" cbor:"wrapped_key"`
	IV           []byte          `json:"iv" cbor:"iv"`
	Level        EncryptionLevel `json:"level" cbor:"level"`
	SuiteVersion uint8           `json:"suite_version" cbor:"suite_version"`
}

// Message is immutable once it leaves the composing device. ID is generated
// client-side so offline sends can be replayed without duplication.
type Message struct {
	ID             string              `json:"id" cbor:"id"`
	ConversationID string              `json:"conversation_id" cbor:"conversation_id"`
	SenderID       string              `json:"sender_id,omitempty" cbor:"sender_id,omitempty"`
	Seq            int64               `json:"seq" cbor:"seq"`
	Type           MessageType         `json:"type" cbor:"type"`
	Content        Ciphertext          `json:"content" cbor:"content"`
	Envelopes      []EncryptedEnvelope `json:"envelopes" cbor:"envelopes"`
	Compression    string              `json:"compression,omitempty" cbor:"compression,omitempty"`
	OriginalSize   int                 `json:"original_size" cbor:"original_size"`
	CompressedSize int                 `json:"compressed_size" cbor:"compressed_size"`
	CreatedAt      time.Time           `json:"created_at" cbor:"created_at"`
}

// Compressed reports whether the plaintext was compressed before sealing.
func (m *Message) Compressed() bool {
	return m.Compression != "" && m.Compression != "none"
}

// EnvelopeFor returns the envelope addressed to recipientID.
func (m *Message) EnvelopeFor(recipientID string) (EncryptedEnvelope, bool) {
	for _, env := range m.Envelopes {
		if env.RecipientID == recipientID {
			return env, true
		}
	}
	return EncryptedEnvelope{}, false
}

// Recipients lists the recipient of every envelope in order.
func (m *Message) Recipients() []string {
	ids := make([]string, 0, len(m.Envelopes))
	for _, env := range m.Envelopes {
		ids = append(ids, env.RecipientID)
	}
	return ids
}

// Frame is the plaintext sealed inside a message's ciphertext.
type Frame struct {
	SenderID    string      `cbor:"sender_id,omitempty"`
	Type        MessageType `cbor:"type"`
	ContentType string      `cbor:"content_type,omitempty"`
	Body        []byte      `cbor:"body"`
	SentAt      time.Time   `cbor:"sent_at"`
}
