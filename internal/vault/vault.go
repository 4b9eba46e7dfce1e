// Package vault implements the encrypted credential store. Secrets are
// sealed with AES-256-GCM under a master key derived from the
// ATLAS_VAULT_SEED secret and a per-install salt, so ciphertext from one
// install is useless on another.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/storage"
)

// ============================================================================
// CONSTANTS & ERRORS
// ============================================================================

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// TagSize is the GCM authentication tag size (16 bytes).
	TagSize = 16
	// KeySize is the AES-256 key length.
	KeySize = 32

	// Argon2id parameters, recorded per row so a later migration can
	// re-derive with different costs.
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4

	saltSize    = 16
	metaSaltKey = "vault.install_salt"
)

var (
	// ErrNotInitialized is returned when the vault has no master key.
	ErrNotInitialized = errors.New("vault: not initialized")
	// ErrNotFound is returned for unknown credential ids.
	ErrNotFound = errors.New("vault: credential not found")
	// ErrDecrypt is returned when the GCM tag does not verify.
	ErrDecrypt = errors.New("vault: decryption failed")
	// ErrDuplicateName is returned when the owner already holds a
	// credential under that name.
	ErrDuplicateName = errors.New("vault: duplicate credential name")
	// ErrUnknownService is returned for services outside the closed set.
	ErrUnknownService = errors.New("vault: unknown service")
	// ErrEmptySeed is returned when the seed secret is missing or blank.
	ErrEmptySeed = errors.New("vault: empty seed")
)

// validServices is the closed set of credential targets.
var validServices = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
	"azure":     true,
	"aws":       true,
	"github":    true,
	"slack":     true,
	"discord":   true,
	"telegram":  true,
	"custom":    true,
}

// Store is the slice of persistence the vault consumes.
type Store interface {
	GetMeta(ctx context.Context, key string) (string, error)
	PutMeta(ctx context.Context, key, value string) error

	InsertCredential(ctx context.Context, c *storage.Credential) error
	GetCredential(ctx context.Context, id string) (*storage.Credential, error)
	FindCredentialByName(ctx context.Context, owner, name string) (*storage.Credential, error)
	ListCredentials(ctx context.Context, owner string) ([]storage.CredentialMeta, error)
	UpdateCredential(ctx context.Context, c *storage.Credential) error
	DeleteCredential(ctx context.Context, id string) error
}

// ============================================================================
// VAULT
// ============================================================================

// Vault seals and unseals credentials. Writes are serialized; reads are
// lock-free once the master key is derived.
type Vault struct {
	store  Store
	audit  *audit.Logger
	logger *log.Logger

	aead      cipher.AEAD
	kdfParams string

	writeMu sync.Mutex
}

// New derives the master key and returns a ready vault. The install salt
// is created on first run and persisted through the store, so derivation
// is deterministic per install and distinct across installs.
func New(ctx context.Context, store Store, auditor *audit.Logger, seed string) (*Vault, error) {
	if seed == "" {
		return nil, ErrEmptySeed
	}

	salt, err := loadOrCreateSalt(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("install salt: %w", err)
	}

	key := argon2.IDKey([]byte(seed), salt, kdfTime, kdfMemory, kdfThreads, KeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &Vault{
		store:     store,
		audit:     auditor,
		logger:    log.New(log.Writer(), "[VAULT] ", log.LstdFlags),
		aead:      aead,
		kdfParams: fmt.Sprintf("argon2id:t=%d,m=%d,p=%d", kdfTime, kdfMemory, kdfThreads),
	}, nil
}

func loadOrCreateSalt(ctx context.Context, store Store) ([]byte, error) {
	val, err := store.GetMeta(ctx, metaSaltKey)
	if err == nil {
		salt, decErr := hex.DecodeString(val)
		if decErr != nil || len(salt) != saltSize {
			return nil, errors.New("vault: malformed install salt")
		}
		return salt, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := store.PutMeta(ctx, metaSaltKey, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// ============================================================================
// OPERATIONS
// ============================================================================

// Store seals a new credential and returns its at-rest record.
func (v *Vault) Store(ctx context.Context, owner, name, service, plaintext string) (*storage.Credential, error) {
	if v == nil || v.aead == nil {
		return nil, ErrNotInitialized
	}
	if !validServices[service] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	if _, err := v.store.FindCredentialByName(ctx, owner, name); err == nil {
		return nil, ErrDuplicateName
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	nonce, ct, tag, err := v.seal([]byte(plaintext))
	if err != nil {
		return nil, err
	}

	cred := &storage.Credential{
		ID:         uuid.New().String(),
		Owner:      owner,
		Name:       name,
		Service:    service,
		Ciphertext: ct,
		Nonce:      nonce,
		Tag:        tag,
		KDFParams:  v.kdfParams,
		CreatedAt:  time.Now().UTC(),
	}
	if err := v.store.InsertCredential(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}

	v.logger.Printf("Stored credential %s (%s/%s)", cred.ID, owner, service)
	v.auditEvent(ctx, audit.TypeCredentialCreated, owner, fmt.Sprintf("credential %q stored for %s", name, service), cred.ID)
	return cred, nil
}

// Retrieve unseals a credential and returns the plaintext.
func (v *Vault) Retrieve(ctx context.Context, id string) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrNotInitialized
	}

	cred, err := v.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	plaintext, err := v.open(cred.Nonce, cred.Ciphertext, cred.Tag)
	if err != nil {
		return "", err
	}

	v.auditEvent(ctx, audit.TypeCredentialAccessed, cred.Owner, fmt.Sprintf("credential %q accessed", cred.Name), cred.ID)
	return string(plaintext), nil
}

// RetrieveByName unseals the owner's credential with the given name.
func (v *Vault) RetrieveByName(ctx context.Context, owner, name string) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrNotInitialized
	}

	cred, err := v.store.FindCredentialByName(ctx, owner, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	plaintext, err := v.open(cred.Nonce, cred.Ciphertext, cred.Tag)
	if err != nil {
		return "", err
	}

	v.auditEvent(ctx, audit.TypeCredentialAccessed, cred.Owner, fmt.Sprintf("credential %q accessed", cred.Name), cred.ID)
	return string(plaintext), nil
}

// List returns credential metadata only. Ciphertext never leaves the store.
func (v *Vault) List(ctx context.Context, owner string) ([]storage.CredentialMeta, error) {
	if v == nil || v.aead == nil {
		return nil, ErrNotInitialized
	}
	return v.store.ListCredentials(ctx, owner)
}

// Rotate replaces the ciphertext atomically and stamps last_rotated_at.
func (v *Vault) Rotate(ctx context.Context, id, newPlaintext string) error {
	if v == nil || v.aead == nil {
		return ErrNotInitialized
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	cred, err := v.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	nonce, ct, tag, err := v.seal([]byte(newPlaintext))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cred.Ciphertext = ct
	cred.Nonce = nonce
	cred.Tag = tag
	cred.KDFParams = v.kdfParams
	cred.LastRotatedAt = &now

	if err := v.store.UpdateCredential(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	v.logger.Printf("Rotated credential %s (%s)", cred.ID, cred.Name)
	v.auditEvent(ctx, audit.TypeCredentialRotated, cred.Owner, fmt.Sprintf("credential %q rotated", cred.Name), cred.ID)
	return nil
}

// Delete removes a credential permanently.
func (v *Vault) Delete(ctx context.Context, id string) error {
	if v == nil || v.aead == nil {
		return ErrNotInitialized
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	cred, err := v.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := v.store.DeleteCredential(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	v.logger.Printf("Deleted credential %s (%s)", cred.ID, cred.Name)
	v.auditEvent(ctx, audit.TypeCredentialDeleted, cred.Owner, fmt.Sprintf("credential %q deleted", cred.Name), cred.ID)
	return nil
}

// ============================================================================
// CIPHER
// ============================================================================

// seal encrypts plaintext under a fresh random nonce and splits the GCM
// output into ciphertext and tag for separate storage.
func (v *Vault) seal(plaintext []byte) (nonce, ciphertext, tag []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := v.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext = out[:len(out)-TagSize]
	tag = out[len(out)-TagSize:]
	return nonce, ciphertext, tag, nil
}

func (v *Vault) open(nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrDecrypt
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (v *Vault) auditEvent(ctx context.Context, typ, owner, msg, credID string) {
	if v.audit == nil {
		return
	}
	err := v.audit.Log(ctx, audit.Event{
		Type:     typ,
		Severity: audit.SeverityInfo,
		Message:  msg,
		Owner:    owner,
		Metadata: map[string]interface{}{"credential_id": credID},
	})
	if err != nil {
		v.logger.Printf("Audit write failed: %v", err)
	}
}
