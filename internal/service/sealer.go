package service

import (
	"context"
	"time"

	"lifeline/internal/cipher"
	"lifeline/internal/codec"
	"lifeline/internal/errors"
	"lifeline/internal/models"
)

// SealedAlert is the in-app payload of a broadcast: the alert sealed for one
// recipient, shaped like a direct message.
type SealedAlert struct {
	JobID      string                   `cbor:"job_id"`
	Envelope   models.EncryptedEnvelope `cbor:"envelope"`
	Ciphertext models.Ciphertext        `cbor:"ciphertext"`
}

// alertSealer encrypts in-app broadcast bodies with the account keys.
type alertSealer struct {
	cipher *cipher.Manager
	now    func() time.Time
}

func (s *alertSealer) Seal(ctx context.Context, jobID, recipientID string, body []byte) ([]byte, error) {
	frame := models.Frame{
		SenderID:    s.cipher.AccountID(),
		Type:        models.MessageTypeText,
		ContentType: "text/plain",
		Body:        body,
		SentAt:      s.now().UTC(),
	}
	envelopes, content, err := s.cipher.Encrypt(ctx, jobID, frame, cipher.DirectTarget{RecipientID: recipientID}, models.LevelHighSecurity)
	if err != nil {
		return nil, err
	}
	for _, env := range envelopes {
		if env.RecipientID != recipientID {
			continue
		}
		out, err := codec.Marshal(SealedAlert{JobID: jobID, Envelope: env, Ciphertext: content})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode sealed alert")
		}
		return out, nil
	}
	return nil, errors.NewKeyNotFoundError(recipientID, "")
}

// OpenAlert decrypts an in-app alert addressed to the local account.
func (e *Engine) OpenAlert(ctx context.Context, sealed []byte) (*models.Frame, error) {
	var alert SealedAlert
	if err := codec.Unmarshal(sealed, &alert); err != nil {
		return nil, errors.NewIntegrityError("", err)
	}
	return e.cipher.Decrypt(ctx, alert.JobID, alert.Envelope, alert.Ciphertext)
}
