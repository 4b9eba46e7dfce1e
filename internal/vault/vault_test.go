package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/storage"
)

// ============================================================================
// VAULT UNIT TESTS
// ============================================================================

func newTestVault(t *testing.T) (*Vault, *storage.Memory, *audit.Logger) {
	t.Helper()
	store := storage.NewMemory()
	auditor := audit.New(store)
	v, err := New(context.Background(), store, auditor, "test-seed-material")
	require.NoError(t, err)
	return v, store, auditor
}

func TestVault_StoreRetrieveRoundtrip(t *testing.T) {
	v, _, auditor := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Store(ctx, "owner-1", "prod-key", "anthropic", "sk-ant-secret")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.ID)
	assert.Len(t, cred.Nonce, NonceSize)
	assert.Len(t, cred.Tag, TagSize)
	assert.NotContains(t, string(cred.Ciphertext), "sk-ant-secret")

	plaintext, err := v.Retrieve(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", plaintext)

	// Both the store and the access leave audit entries.
	entries, err := auditor.Query(ctx, storage.AuditFilter{TypePrefix: "credential:"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.TypeCredentialAccessed, entries[0].Type)
	assert.Equal(t, audit.TypeCredentialCreated, entries[1].Type)
}

func TestVault_RetrieveByName(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, "owner-1", "bot-token", "slack", "xoxb-123")
	require.NoError(t, err)

	plaintext, err := v.RetrieveByName(ctx, "owner-1", "bot-token")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-123", plaintext)

	_, err = v.RetrieveByName(ctx, "owner-2", "bot-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_DuplicateName(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, "owner-1", "prod-key", "openai", "sk-one")
	require.NoError(t, err)

	_, err = v.Store(ctx, "owner-1", "prod-key", "openai", "sk-two")
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Same name under a different owner is fine.
	_, err = v.Store(ctx, "owner-2", "prod-key", "openai", "sk-three")
	assert.NoError(t, err)
}

func TestVault_UnknownService(t *testing.T) {
	v, _, _ := newTestVault(t)

	_, err := v.Store(context.Background(), "owner-1", "key", "myspace", "tom")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestVault_EmptySeed(t *testing.T) {
	store := storage.NewMemory()
	_, err := New(context.Background(), store, audit.New(store), "")
	assert.ErrorIs(t, err, ErrEmptySeed)
}

func TestVault_Rotate(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Store(ctx, "owner-1", "db-pass", "aws", "old-secret")
	require.NoError(t, err)
	oldCipher := append([]byte(nil), cred.Ciphertext...)

	require.NoError(t, v.Rotate(ctx, cred.ID, "new-secret"))

	plaintext, err := v.Retrieve(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-secret", plaintext)

	stored, err := store.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldCipher, stored.Ciphertext)
	require.NotNil(t, stored.LastRotatedAt)

	assert.ErrorIs(t, v.Rotate(ctx, "no-such-id", "x"), ErrNotFound)
}

func TestVault_Delete(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Store(ctx, "owner-1", "gh-token", "github", "ghp_abc")
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, cred.ID))

	_, err = v.Retrieve(ctx, cred.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, v.Delete(ctx, cred.ID), ErrNotFound)
}

func TestVault_TamperedCiphertext(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Store(ctx, "owner-1", "api-key", "google", "AIza-secret")
	require.NoError(t, err)

	stored, err := store.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	stored.Ciphertext[0] ^= 0xFF
	require.NoError(t, store.UpdateCredential(ctx, stored))

	_, err = v.Retrieve(ctx, cred.ID)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestVault_SameStoreSameKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	auditor := audit.New(store)

	// Two vault instances over the same store share the persisted salt,
	// so the second can decrypt what the first sealed.
	v1, err := New(ctx, store, auditor, "seed")
	require.NoError(t, err)
	cred, err := v1.Store(ctx, "owner-1", "key", "custom", "hello")
	require.NoError(t, err)

	v2, err := New(ctx, store, auditor, "seed")
	require.NoError(t, err)
	plaintext, err := v2.Retrieve(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", plaintext)
}

func TestVault_DistinctInstallsDistinctKeys(t *testing.T) {
	ctx := context.Background()

	storeA := storage.NewMemory()
	vA, err := New(ctx, storeA, audit.New(storeA), "seed")
	require.NoError(t, err)
	cred, err := vA.Store(ctx, "owner-1", "key", "custom", "hello")
	require.NoError(t, err)

	// A fresh store generates its own install salt, so the same seed
	// derives a different master key.
	storeB := storage.NewMemory()
	vB, err := New(ctx, storeB, audit.New(storeB), "seed")
	require.NoError(t, err)

	copied, err := storeA.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	require.NoError(t, storeB.InsertCredential(ctx, copied))

	_, err = vB.Retrieve(ctx, cred.ID)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestVault_ListMetadataOnly(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, "owner-1", "a", "openai", "one")
	require.NoError(t, err)
	_, err = v.Store(ctx, "owner-1", "b", "anthropic", "two")
	require.NoError(t, err)

	metas, err := v.List(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, metas, 2)
	for _, m := range metas {
		assert.NotEmpty(t, m.ID)
		assert.NotEmpty(t, m.Service)
	}
}
