// Package keyring is the encryption gateway for document blobs. It wraps
// plaintext under AES-256-GCM using versioned keys and returns the
// parameters needed to reverse the operation (key id, nonce, auth tag).
// Key material never leaves the keyring; records reference keys by id.
package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/medvault/medvault/internal/errs"
)

// gcmTagSize is the GCM authentication tag length appended by Seal.
const gcmTagSize = 16

// Sealed carries ciphertext plus the parameters required to decrypt it.
// The tag is stored separately from the ciphertext so a record's
// encryption_params are sufficient and necessary on their own.
type Sealed struct {
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Service is the encryption gateway contract consumed by the pipeline.
type Service interface {
	Encrypt(ctx context.Context, plaintext []byte) (*Sealed, error)
	Decrypt(ctx context.Context, keyID string, nonce, ciphertext, tag []byte) ([]byte, error)
	ActiveKeyID() string
}

// Keyring holds versioned AEAD instances. Encryption always uses the active
// key; decryption resolves the key by id so blobs sealed under rotated-out
// keys stay readable until re-encrypted.
type Keyring struct {
	mu     sync.RWMutex
	aeads  map[string]cipher.AEAD
	active string
}

// GenerateKey returns 32 bytes of fresh key material, suitable for an
// ephemeral development key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	return key, nil
}

// New builds a Keyring from key-id → 32-byte key material. activeID selects
// the key used for new encryptions and must be present in keys.
func New(keys map[string][]byte, activeID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring: no key material")
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("keyring: key %q must be 32 bytes, got %d", id, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("keyring: create cipher for %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("keyring: create GCM for %q: %w", id, err)
		}
		aeads[id] = aead
	}
	if _, ok := aeads[activeID]; !ok {
		return nil, fmt.Errorf("keyring: active key %q not in key set", activeID)
	}
	return &Keyring{aeads: aeads, active: activeID}, nil
}

// AddKey registers additional key material, e.g. when a rotated key is
// provisioned while the service is running.
func (k *Keyring) AddKey(id string, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("keyring: key %q must be 32 bytes, got %d", id, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("keyring: create cipher for %q: %w", id, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("keyring: create GCM for %q: %w", id, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.aeads[id] = aead
	return nil
}

// SetActive switches the key used for new encryptions.
func (k *Keyring) SetActive(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.aeads[id]; !ok {
		return fmt.Errorf("keyring: unknown key %q", id)
	}
	k.active = id
	return nil
}

// ActiveKeyID returns the id of the key used for new encryptions.
func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Encrypt seals plaintext under the active key with a fresh random nonce.
func (k *Keyring) Encrypt(_ context.Context, plaintext []byte) (*Sealed, error) {
	k.mu.RLock()
	id := k.active
	aead := k.aeads[id]
	k.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyring: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// Seal appends the tag to the ciphertext; split it off so the record
	// stores it as a distinct parameter.
	split := len(sealed) - gcmTagSize
	return &Sealed{
		KeyID:      id,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens ciphertext under the named key. Any tag mismatch fails
// closed with errs.ErrIntegrityViolation; no partial plaintext is returned.
func (k *Keyring) Decrypt(_ context.Context, keyID string, nonce, ciphertext, tag []byte) ([]byte, error) {
	k.mu.RLock()
	aead, ok := k.aeads[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keyring: no key available for id %q", keyID)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", errs.ErrIntegrityViolation, len(nonce), aead.NonceSize())
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIntegrityViolation, err)
	}
	return plaintext, nil
}
