// Package vault encrypts OAuth tokens at rest.
//
// Tokens never touch the database in plaintext. A master key from
// configuration is stretched with HKDF-SHA256 into an AES-256-GCM key, and
// each token is sealed with a random nonce. Ciphertext is stored as
// base64(nonce || sealed), so a row read back years later still carries
// everything needed to open it.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this vault so the same master key used
// elsewhere cannot open our ciphertext.
const hkdfInfo = "podsync-token-vault"

// minMasterKeyBytes is the minimum decoded master key length.
const minMasterKeyBytes = 16

// Vault seals and opens token strings with a key derived from the
// configured master key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from the base64-encoded master key and
// returns a ready [Vault]. The master key is required; there is no
// plaintext fallback mode.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("vault master key is not set")
	}

	raw, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(raw) < minMasterKeyBytes {
		return nil, fmt.Errorf("master key too short: need at least %d bytes, got %d", minMasterKeyBytes, len(raw))
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, raw, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by [Vault.Encrypt].
func (v *Vault) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// GenerateKey produces a new random master key suitable for the
// vault.master_key configuration value.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
