// Package cipher implements envelope encryption for messages. Each message is
// sealed once with a fresh content key under XChaCha20-Poly1305, and the
// content key is wrapped separately for every recipient with age X25519.
package cipher

import (
	"bytes"
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"lifeline/internal/codec"
	"lifeline/internal/errors"
	"lifeline/internal/keystore"
	"lifeline/internal/models"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SuiteV1 is age X25519 key wrapping with XChaCha20-Poly1305 content.
	SuiteV1 uint8 = 1

	// Algorithm is the content algorithm tag recorded on SuiteV1 ciphertexts.
	Algorithm = "xchacha20poly1305"

	contentKeySize = chacha20poly1305.KeySize
)

// Target is the closed set of encryption audiences.
type Target interface {
	isTarget()
}

// DirectTarget addresses a single recipient.
type DirectTarget struct {
	RecipientID string
}

// GroupTarget addresses every member of a group with one ciphertext.
type GroupTarget struct {
	GroupID string
	Members []string
}

// AnonymousTarget addresses only the configured coordinator. The sender is
// stripped from the sealed frame.
type AnonymousTarget struct{}

func (DirectTarget) isTarget()    {}
func (GroupTarget) isTarget()     {}
func (AnonymousTarget) isTarget() {}

// KeyDirectory publishes and looks up account public keys.
type KeyDirectory interface {
	PublicKeys(ctx context.Context, accountIDs []string) (map[string]models.PublicKey, error)
	PublishKey(ctx context.Context, key models.PublicKey) error
}

// Options configures a Manager.
type Options struct {
	AccountID            string
	CoordinatorAccountID string
	RetireAfter          time.Duration
	AnonymousTimeBucket  time.Duration
	Logger               *logrus.Logger
}

// Manager owns local key material and performs envelope encryption.
type Manager struct {
	keys       *keystore.Store
	directory  KeyDirectory
	opts       Options
	logger     *errors.Logger
	now        func() time.Time
	randReader io.Reader
}

// NewManager creates a Manager for the local account in opts.
func NewManager(keys *keystore.Store, directory KeyDirectory, opts Options) *Manager {
	logger := errors.NewLogger()
	if opts.Logger != nil {
		logger = errors.WrapLogger(opts.Logger)
	}
	if opts.AnonymousTimeBucket <= 0 {
		opts.AnonymousTimeBucket = time.Hour
	}
	return &Manager{
		keys:       keys,
		directory:  directory,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		randReader: rand.Reader,
	}
}

// AccountID is the local account the manager decrypts for.
func (m *Manager) AccountID() string {
	return m.opts.AccountID
}

// EnsureKeys creates a keypair for accountID if none exists and publishes the
// current public key.
func (m *Manager) EnsureKeys(ctx context.Context, accountID string) (*models.PublicKey, error) {
	key, err := m.keys.Current(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to load current key")
	}
	if key == nil {
		if key, err = m.keys.Generate(ctx, accountID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to generate key")
		}
		m.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"key_id":     key.KeyID,
		}).Info("Generated account keypair")
	}
	return m.publish(ctx, key)
}

// RotateKeys makes a new keypair current for accountID. The previous private
// key stays usable for decryption until PurgeRetired removes it.
func (m *Manager) RotateKeys(ctx context.Context, accountID string) (*models.PublicKey, error) {
	key, err := m.keys.Generate(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to rotate key")
	}
	m.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"key_id":     key.KeyID,
	}).Info("Rotated account keypair")
	return m.publish(ctx, key)
}

// PublicKey returns the current local public key of accountID.
func (m *Manager) PublicKey(ctx context.Context, accountID string) (*models.PublicKey, error) {
	key, err := m.keys.Current(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.NewKeyNotFoundError(accountID, "")
	}
	return toPublicKey(key), nil
}

// ContactKeys looks up the current public keys of accountIDs. Accounts
// without a published key are missing from the result.
func (m *Manager) ContactKeys(ctx context.Context, accountIDs []string) (map[string]models.PublicKey, error) {
	keys, err := m.directory.PublicKeys(ctx, accountIDs)
	if err != nil {
		return nil, errors.NewUnavailableError("key directory", err)
	}
	return keys, nil
}

// PurgeRetired destroys private keys retired longer than RetireAfter ago.
func (m *Manager) PurgeRetired(ctx context.Context) (int, error) {
	if m.opts.RetireAfter <= 0 {
		return 0, nil
	}
	return m.keys.DestroyRetired(ctx, m.now().Add(-m.opts.RetireAfter))
}

func (m *Manager) publish(ctx context.Context, key *keystore.Key) (*models.PublicKey, error) {
	pub := toPublicKey(key)
	if err := m.directory.PublishKey(ctx, *pub); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackendUnavailable, "failed to publish public key")
	}
	return pub, nil
}

func toPublicKey(key *keystore.Key) *models.PublicKey {
	return &models.PublicKey{
		AccountID: key.AccountID,
		KeyID:     key.KeyID,
		Key:       key.PublicKey,
		CreatedAt: key.CreatedAt,
	}
}

// Encrypt seals frame for target. It returns one envelope per recipient and
// the single ciphertext all envelopes share. messageID is bound into the
// authenticated data so a ciphertext cannot be replayed under another id.
func (m *Manager) Encrypt(ctx context.Context, messageID string, frame models.Frame, target Target, level models.EncryptionLevel) ([]models.EncryptedEnvelope, models.Ciphertext, error) {
	if err := level.Validate(); err != nil {
		return nil, models.Ciphertext{}, errors.NewValidationError("level", string(level), err.Error())
	}
	if _, anonymous := target.(AnonymousTarget); level == models.LevelAnonymous && !anonymous {
		return nil, models.Ciphertext{}, errors.NewValidationError("level", string(level), "anonymous level requires an anonymous target")
	}

	var (
		recipients []string
		groupID    string
	)
	switch t := target.(type) {
	case DirectTarget:
		if t.RecipientID == "" {
			return nil, models.Ciphertext{}, errors.NewValidationError("recipient_id", "", "recipient is required")
		}
		recipients = withSender(m.opts.AccountID, t.RecipientID)
	case GroupTarget:
		if len(t.Members) == 0 {
			return nil, models.Ciphertext{}, errors.NewValidationError("members", t.GroupID, "group has no members")
		}
		groupID = t.GroupID
		recipients = withSender(m.opts.AccountID, t.Members...)
	case AnonymousTarget:
		if m.opts.CoordinatorAccountID == "" {
			return nil, models.Ciphertext{}, errors.NewConfigError("keystore.coordinator_account_id", "anonymous reports need a coordinator")
		}
		recipients = []string{m.opts.CoordinatorAccountID}
		// Anonymity is the target; the envelope itself is high-security.
		level = models.LevelHighSecurity
		frame.SenderID = ""
		frame.SentAt = frame.SentAt.UTC().Truncate(m.opts.AnonymousTimeBucket)
	default:
		return nil, models.Ciphertext{}, errors.NewValidationError("target", fmt.Sprintf("%T", target), "unknown encryption target")
	}

	keys, err := m.directory.PublicKeys(ctx, recipients)
	if err != nil {
		return nil, models.Ciphertext{}, errors.NewUnavailableError("key directory", err)
	}

	plaintext, err := codec.Marshal(frame)
	if err != nil {
		return nil, models.Ciphertext{}, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode frame")
	}

	contentKey := make([]byte, contentKeySize)
	if _, err := io.ReadFull(m.randReader, contentKey); err != nil {
		return nil, models.Ciphertext{}, errors.Wrap(err, errors.ErrCodeInternalError, "failed to generate content key")
	}
	defer clear(contentKey)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(m.randReader, nonce); err != nil {
		return nil, models.Ciphertext{}, errors.Wrap(err, errors.ErrCodeInternalError, "failed to generate nonce")
	}

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, models.Ciphertext{}, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create content cipher")
	}
	sealed := aead.Seal(nil, nonce, plaintext, additionalData(SuiteV1, messageID))

	envelopes := make([]models.EncryptedEnvelope, 0, len(recipients))
	for _, recipientID := range recipients {
		pub, ok := keys[recipientID]
		if !ok {
			return nil, models.Ciphertext{}, errors.NewKeyNotFoundError(recipientID, "")
		}
		wrapped, err := wrapKey(contentKey, pub.Key)
		if err != nil {
			return nil, models.Ciphertext{}, errors.Wrap(err, errors.ErrCodeInternalError, "failed to wrap content key").
				WithContext("recipient_id", recipientID)
		}
		envelopes = append(envelopes, models.EncryptedEnvelope{
			RecipientID:  recipientID,
			GroupID:      groupID,
			KeyID:        pub.KeyID,
			WrappedKey:   wrapped,
			IV:           nonce,
			Level:        level,
			SuiteVersion: SuiteV1,
		})
	}

	return envelopes, models.Ciphertext{Data: sealed, Algorithm: Algorithm, SuiteVersion: SuiteV1}, nil
}

// Decrypt opens ciphertext with the local private key named by envelope.
// Unknown suites are rejected before any decryption is attempted.
func (m *Manager) Decrypt(ctx context.Context, messageID string, envelope models.EncryptedEnvelope, ciphertext models.Ciphertext) (*models.Frame, error) {
	if envelope.SuiteVersion != SuiteV1 {
		return nil, errors.NewUnsupportedSuiteError(envelope.SuiteVersion)
	}
	if ciphertext.SuiteVersion != SuiteV1 || ciphertext.Algorithm != Algorithm {
		return nil, errors.NewUnsupportedSuiteError(ciphertext.SuiteVersion).
			WithContext("algorithm", ciphertext.Algorithm)
	}

	identity, err := m.keys.Identity(ctx, envelope.RecipientID, envelope.KeyID)
	if err != nil {
		if stderrors.Is(err, keystore.ErrNoKey) {
			return nil, errors.NewKeyNotFoundError(envelope.RecipientID, envelope.KeyID)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to load private key")
	}

	contentKey, err := unwrapKey(envelope.WrappedKey, identity.Identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if stderrors.As(err, &noMatch) {
			return nil, errors.NewKeyNotFoundError(envelope.RecipientID, envelope.KeyID)
		}
		return nil, errors.NewIntegrityError(messageID, err)
	}
	defer clear(contentKey)

	if len(contentKey) != contentKeySize || len(envelope.IV) != chacha20poly1305.NonceSizeX {
		return nil, errors.NewIntegrityError(messageID, fmt.Errorf("malformed envelope"))
	}

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, errors.NewIntegrityError(messageID, err)
	}
	plaintext, err := aead.Open(nil, envelope.IV, ciphertext.Data, additionalData(envelope.SuiteVersion, messageID))
	if err != nil {
		return nil, errors.NewIntegrityError(messageID, err)
	}

	var frame models.Frame
	if err := codec.Unmarshal(plaintext, &frame); err != nil {
		return nil, errors.NewIntegrityError(messageID, fmt.Errorf("decode frame: %w", err))
	}
	return &frame, nil
}

// DecryptMessage opens msg with whichever envelope is addressed to the local account.
func (m *Manager) DecryptMessage(ctx context.Context, msg *models.Message) (*models.Frame, error) {
	env, ok := msg.EnvelopeFor(m.opts.AccountID)
	if !ok {
		return nil, errors.NewKeyNotFoundError(m.opts.AccountID, "").WithContext("message_id", msg.ID)
	}
	return m.Decrypt(ctx, msg.ID, env, msg.Content)
}

func additionalData(suite uint8, messageID string) []byte {
	aad := make([]byte, 0, 1+len(messageID))
	aad = append(aad, suite)
	return append(aad, messageID...)
}

func wrapKey(contentKey []byte, publicKey string) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient key: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(contentKey); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unwrapKey(wrapped []byte, identity *age.X25519Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(r, contentKeySize+1))
}

// withSender returns ids deduplicated in order, with sender appended when
// absent so the sender's other devices can read their own messages.
func withSender(sender string, ids ...string) []string {
	seen := make(map[string]struct{}, len(ids)+1)
	out := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if _, ok := seen[sender]; !ok && sender != "" {
		out = append(out, sender)
	}
	return out
}
