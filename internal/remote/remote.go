// Package remote is the shared document store every device of every account
// syncs against. It keeps an append-only change log addressed by a logical
// cursor and the directory of published public keys.
package remote

import (
	"context"

	"lifeline/internal/errors"
	"lifeline/internal/models"
)

// ErrCursorOutOfRange is returned by Changes when the cursor points before the
// retained part of the change log. Callers recover with a full sync.
var ErrCursorOutOfRange = errors.New(errors.ErrCodeCursorInvalid, "cursor is older than retained change history")

// Origin identifies the device that wrote a record. Changes are never
// returned to the device that wrote them.
type Origin struct {
	AccountID string
	DeviceID  string
}

// Store is the remote backend. Implementations must treat PutMessage as an
// idempotent upsert keyed by the client-assigned message id.
type Store interface {
	// PutMessage stores msg once. Replaying an id that is already stored
	// returns the original version with created == false.
	PutMessage(ctx context.Context, from Origin, msg models.Message) (version int64, created bool, err error)
	PutDeliveryStatus(ctx context.Context, from Origin, status models.DeliveryStatus) (int64, error)
	PutSnapshot(ctx context.Context, snap models.ConversationStateSnapshot) (int64, error)

	// Changes returns up to limit changes after cursor that are visible to
	// accountID and were not written by deviceID.
	Changes(ctx context.Context, accountID, deviceID string, cursor int64, limit int) (models.ChangePage, error)
	// Snapshot returns the authoritative state of accountID.
	Snapshot(ctx context.Context, accountID, deviceID string) (models.FullState, error)

	PublicKeys(ctx context.Context, accountIDs []string) (map[string]models.PublicKey, error)
	PublishKey(ctx context.Context, key models.PublicKey) error

	Close() error
}

// audience lists the accounts that may read msg: the writing account and
// every recipient. Anonymity is carried by the envelopes, which hold no sender.
func audience(from Origin, msg models.Message) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(from.AccountID)
	for _, r := range msg.Recipients() {
		add(r)
	}
	return ids
}

func validateMessage(msg models.Message) error {
	if msg.ID == "" {
		return errors.NewValidationError("id", "", "message id is assigned by the client and required")
	}
	if msg.ConversationID == "" {
		return errors.NewValidationError("conversation_id", "", "conversation id is required")
	}
	if len(msg.Envelopes) == 0 {
		return errors.NewValidationError("envelopes", msg.ID, "message has no recipients")
	}
	return nil
}

func validateStatus(st models.DeliveryStatus) error {
	if st.MessageID == "" || st.RecipientID == "" {
		return errors.NewValidationError("delivery_status", st.MessageID, "message and recipient are required")
	}
	return st.State.Validate()
}

func validateSnapshot(snap models.ConversationStateSnapshot) error {
	if snap.ConversationID == "" || snap.AccountID == "" || snap.DeviceID == "" {
		return errors.NewValidationError("snapshot", snap.ConversationID, "conversation, account and device are required")
	}
	return nil
}
