package cipher

import (
	"context"

	"lifeline/internal/errors"
	"lifeline/internal/keystore"
	"lifeline/internal/models"

	"github.com/sirupsen/logrus"
)

// CachingDirectory remembers every public key it sees so the device can keep
// sealing messages while the remote directory is unreachable.
type CachingDirectory struct {
	remote KeyDirectory
	keys   *keystore.Store
	logger *errors.Logger
}

func NewCachingDirectory(remote KeyDirectory, keys *keystore.Store, logger *logrus.Logger) *CachingDirectory {
	if logger == nil {
		logger = logrus.New()
	}
	return &CachingDirectory{remote: remote, keys: keys, logger: errors.WrapLogger(logger)}
}

// PublicKeys asks the remote directory first. When it fails with a
// retryable error the cache answers, provided it knows every account.
func (d *CachingDirectory) PublicKeys(ctx context.Context, accountIDs []string) (map[string]models.PublicKey, error) {
	found, err := d.remote.PublicKeys(ctx, accountIDs)
	if err == nil {
		for _, pub := range found {
			if err := d.keys.RememberContact(ctx, fromPublicKey(pub)); err != nil {
				d.logger.LogWarn(err, "Failed to cache contact key", logrus.Fields{"key_id": pub.KeyID})
			}
		}
		missing := make([]string, 0)
		for _, id := range accountIDs {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return found, nil
		}
		cached, cerr := d.keys.Contacts(ctx, missing)
		if cerr != nil {
			return found, nil
		}
		for id, k := range cached {
			found[id] = toModelKey(k)
		}
		return found, nil
	}
	if !errors.IsRetryable(err) {
		return nil, err
	}

	cached, cerr := d.keys.Contacts(ctx, accountIDs)
	if cerr != nil || len(cached) < len(dedupeIDs(accountIDs)) {
		return nil, err
	}
	out := make(map[string]models.PublicKey, len(cached))
	for id, k := range cached {
		out[id] = toModelKey(k)
	}
	d.logger.WithField("accounts", len(out)).Debug("Using cached public keys")
	return out, nil
}

// PublishKey caches the local key before publishing it, so the sender can
// always seal for itself.
func (d *CachingDirectory) PublishKey(ctx context.Context, key models.PublicKey) error {
	if err := d.keys.RememberContact(ctx, fromPublicKey(key)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to cache public key")
	}
	return d.remote.PublishKey(ctx, key)
}

func fromPublicKey(pub models.PublicKey) keystore.Key {
	return keystore.Key{
		AccountID: pub.AccountID,
		KeyID:     pub.KeyID,
		PublicKey: pub.Key,
		State:     keystore.StateCurrent,
		CreatedAt: pub.CreatedAt,
	}
}

func toModelKey(k keystore.Key) models.PublicKey {
	return models.PublicKey{
		AccountID: k.AccountID,
		KeyID:     k.KeyID,
		Key:       k.PublicKey,
		CreatedAt: k.CreatedAt,
	}
}

func dedupeIDs(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
