// Package keystore holds account key material in its own access-restricted
// SQLite file. Private keys are sealed at rest and never leave the package
// except as parsed age identities.
package keystore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"lifeline/internal/database"
	"lifeline/internal/security"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

//go:embed schema.sql
var schemaSQL string

// developmentSecret seals keys when no secret is configured. Production
// configuration refuses to start without a real secret.
const developmentSecret = "lifeline-development-keystore-secret"

// State is the lifecycle stage of a keypair.
type State string

const (
	StateCurrent   State = "current"
	StateRetired   State = "retired"
	StateDestroyed State = "destroyed"
)

// ErrNoKey is returned when an account has no usable private key for a key id.
var ErrNoKey = errors.New("key not available")

// Key describes a stored keypair without its private half.
type Key struct {
	AccountID string
	KeyID     string
	PublicKey string
	State     State
	CreatedAt time.Time
	RetiredAt time.Time
}

// Identity is an unsealed private key that can unwrap envelopes.
type Identity struct {
	KeyID    string
	Identity *age.X25519Identity
}

// Store is the key-material store.
type Store struct {
	db        *sql.DB
	encryptor *database.Encryptor
	now       func() time.Time
}

// Open opens (creating if needed) the key store at path with 0600 permissions.
func Open(path, secret string) (*Store, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid keystore path: %w", err)
	}
	if path != ":memory:" {
		if err := security.RestrictFile(path); err != nil {
			return nil, fmt.Errorf("failed to create keystore file: %w", err)
		}
	}

	db, err := database.Open(path, schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	if secret == "" {
		secret = developmentSecret
	}
	encryptor, err := database.NewEncryptor(secret)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, encryptor: encryptor, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint is the key id of an age recipient string: the first 16 bytes
// of its BLAKE3 digest, hex encoded.
func Fingerprint(publicKey string) string {
	sum := blake3.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:16])
}

// Generate creates a new keypair for accountID and makes it current. Any
// previous current key is retired in the same transaction.
func (s *Store) Generate(ctx context.Context, accountID string) (*Key, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	sealed, err := s.encryptor.Seal([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}

	now := s.now().UTC()
	key := &Key{
		AccountID: accountID,
		PublicKey: identity.Recipient().String(),
		State:     StateCurrent,
		CreatedAt: now,
	}
	key.KeyID = Fingerprint(key.PublicKey)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE keys SET state = ?, retired_at = ? WHERE account_id = ? AND state = ?`,
		string(StateRetired), now.UnixNano(), accountID, string(StateCurrent)); err != nil {
		return nil, fmt.Errorf("retiring current key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO keys (key_id, account_id, public_key, private_key, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.KeyID, accountID, key.PublicKey, sealed, string(StateCurrent), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("storing key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

// Current returns the current key for accountID, or nil if none exists.
func (s *Store) Current(ctx context.Context, accountID string) (*Key, error) {
	keys, err := s.list(ctx, `WHERE account_id = ? AND state = ?`, accountID, string(StateCurrent))
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return &keys[0], nil
}

// List returns every key of accountID, newest first.
func (s *Store) List(ctx context.Context, accountID string) ([]Key, error) {
	return s.list(ctx, `WHERE account_id = ?`, accountID)
}

// Identity unseals the private key identified by keyID. Destroyed or unknown
// keys return ErrNoKey.
func (s *Store) Identity(ctx context.Context, accountID, keyID string) (*Identity, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT private_key FROM keys WHERE account_id = ? AND key_id = ? AND state <> ?`,
		accountID, keyID, string(StateDestroyed)).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", accountID, keyID, ErrNoKey)
	}
	if err != nil {
		return nil, err
	}
	return s.unseal(keyID, sealed)
}

// Identities unseals every usable private key of accountID, current first.
func (s *Store) Identities(ctx context.Context, accountID string) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, private_key FROM keys
		WHERE account_id = ? AND state <> ?
		ORDER BY state = 'current' DESC, created_at DESC`,
		accountID, string(StateDestroyed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var keyID string
		var sealed []byte
		if err := rows.Scan(&keyID, &sealed); err != nil {
			return nil, err
		}
		id, err := s.unseal(keyID, sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, *id)
	}
	return out, rows.Err()
}

// DestroyRetired erases the private half of keys retired before cutoff. The
// public half and fingerprint stay for audit.
func (s *Store) DestroyRetired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE keys SET state = ?, private_key = NULL
		WHERE state = ? AND retired_at < ?`,
		string(StateDestroyed), string(StateRetired), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("destroying retired keys: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) unseal(keyID string, sealed []byte) (*Identity, error) {
	raw, err := s.encryptor.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing key %s: %w", keyID, err)
	}
	identity, err := age.ParseX25519Identity(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", keyID, err)
	}
	return &Identity{KeyID: keyID, Identity: identity}, nil
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, key_id, public_key, state, created_at, retired_at
		FROM keys `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var (
			k                  Key
			state              string
			created, retiredAt int64
		)
		if err := rows.Scan(&k.AccountID, &k.KeyID, &k.PublicKey, &state, &created, &retiredAt); err != nil {
			return nil, err
		}
		k.State = State(state)
		k.CreatedAt = time.Unix(0, created).UTC()
		if retiredAt != 0 {
			k.RetiredAt = time.Unix(0, retiredAt).UTC()
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RememberContact caches the public key last seen for an account so messages
// can be sealed while the key directory is unreachable. A cached key is only
// replaced by a newer one.
func (s *Store) RememberContact(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_keys (account_id, key_id, public_key, created_at, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			key_id = excluded.key_id,
			public_key = excluded.public_key,
			created_at = excluded.created_at,
			fetched_at = excluded.fetched_at
		WHERE excluded.created_at >= contact_keys.created_at`,
		key.AccountID, key.KeyID, key.PublicKey, key.CreatedAt.UnixNano(), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("caching contact key: %w", err)
	}
	return nil
}

// Contacts returns the cached public keys of accountIDs. Accounts without a
// cached key are absent from the result.
func (s *Store) Contacts(ctx context.Context, accountIDs []string) (map[string]Key, error) {
	out := make(map[string]Key, len(accountIDs))
	for _, id := range accountIDs {
		var (
			k       Key
			created int64
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT account_id, key_id, public_key, created_at FROM contact_keys WHERE account_id = ?`,
			id).Scan(&k.AccountID, &k.KeyID, &k.PublicKey, &created)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading contact key: %w", err)
		}
		k.State = StateCurrent
		k.CreatedAt = time.Unix(0, created).UTC()
		out[id] = k
	}
	return out, nil
}
