package keystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.db")
	store, err := Open(path, "keystore-test-secret-with-enough-length")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpen_RestrictedPermissions(t *testing.T) {
	_, path := setupStore(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestGenerate_RetiresPrevious(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	first, err := store.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(first.PublicKey), first.KeyID)

	second, err := store.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyID, second.KeyID)

	current, err := store.Current(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.KeyID, current.KeyID)

	keys, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, StateRetired, keys[1].State)
	assert.False(t, keys[1].RetiredAt.IsZero())

	ids, err := store.Identities(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, second.KeyID, ids[0].KeyID)
	assert.Equal(t, second.PublicKey, ids[0].Identity.Recipient().String())
}

func TestCurrent_NoKey(t *testing.T) {
	store, _ := setupStore(t)

	key, err := store.Current(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestDestroyRetired(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	old, err := store.Generate(ctx, "alice")
	require.NoError(t, err)
	_, err = store.Generate(ctx, "alice")
	require.NoError(t, err)

	n, err := store.DestroyRetired(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "grace period has not elapsed")

	_, err = store.Identity(ctx, "alice", old.KeyID)
	require.NoError(t, err)

	n, err = store.DestroyRetired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Identity(ctx, "alice", old.KeyID)
	assert.ErrorIs(t, err, ErrNoKey)

	ids, err := store.Identities(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestPrivateKeySealedAtRest(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.Generate(ctx, "alice")
	require.NoError(t, err)

	var raw []byte
	require.NoError(t, store.db.QueryRow(`SELECT private_key FROM keys`).Scan(&raw))
	assert.NotContains(t, string(raw), "AGE-SECRET-KEY")
}

func TestOpen_WrongSecretCannotUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	store, err := Open(path, "first-secret-value-long-enough-000")
	require.NoError(t, err)
	key, err := store.Generate(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, "second-secret-value-long-enough-111")
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Identity(context.Background(), "alice", key.KeyID)
	assert.Error(t, err)
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint("age1example")
	assert.Equal(t, a, Fingerprint("age1example"))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, Fingerprint("age1other"))
}

func TestContacts_KeepsNewestKey(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	require.NoError(t, store.RememberContact(ctx, Key{AccountID: "bob", KeyID: "k2", PublicKey: "age1new", CreatedAt: t0}))
	require.NoError(t, store.RememberContact(ctx, Key{AccountID: "bob", KeyID: "k1", PublicKey: "age1old", CreatedAt: t0.Add(-time.Hour)}))

	got, err := store.Contacts(ctx, []string{"bob", "carol"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k2", got["bob"].KeyID)
	assert.Equal(t, "age1new", got["bob"].PublicKey)
}
