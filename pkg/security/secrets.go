// Package security encrypts the secret key material a ciphernode writes to
// disk: threshold-BFV secret-key shares and the node's libp2p identity
// keypair. The chain signer key is not stored or encrypted here; `start`
// reads it from the CIPHERNODE_SIGNER_KEY environment variable. Adapted from
// the teacher's pkg/security/secrets.go; the CA/certificate issuance half
// of that package has no analogue here and was dropped (see DESIGN.md).
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/gnosisguild/enclave/pkg/store"
)

// scrypt cost parameters, the same N/r/p go-ethereum's accounts/keystore
// package uses for its "standard" (non-light) key files.
const (
	scryptN = 1 << 18
	scryptR = 8
	scryptP = 1

	saltSize = 16
)

// SecretsManager encrypts and decrypts secret bytes with AES-256-GCM.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a SecretsManager with the given 32-byte key.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{encryptionKey: key}, nil
}

// NewSecretsManagerFromPassword derives a 32-byte key from password and
// salt via scrypt, the same password-hardening KDF go-ethereum's keystore
// uses, and builds a SecretsManager from it. salt does not need to be
// secret — only unique per node — but must be stable across restarts; see
// LoadOrCreateSalt.
func NewSecretsManagerFromPassword(password string, salt []byte) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt cannot be empty")
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return NewSecretsManager(key)
}

// LoadOrCreateSalt reads this node's persisted KDF salt from st, generating
// and persisting a fresh random one on first run. The salt is stored in
// cleartext (store.PrefixSecretsSalt) — it is not itself a secret, but it
// must stay stable so the same password always derives the same key.
func LoadOrCreateSalt(st *store.Store) ([]byte, error) {
	if existing, _, ok, err := st.Get(store.PrefixSecretsSalt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	} else if ok {
		return existing, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := st.Put(store.PrefixSecretsSalt, 1, salt); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}

// EncryptSecret encrypts plaintext with AES-256-GCM, returning the nonce
// prepended to the ciphertext.
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret.
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
