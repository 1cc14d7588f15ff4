// Package secrets stores per-user provider API keys encrypted at rest.
//
// Ciphertext uses XChaCha20-Poly1305 with a fresh per-row nonce; the master
// key is derived from the configured encryption key at startup. Every query
// is parameterized by user_id, so a cross-user read path does not exist at
// the schema level.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNotFound is returned when a user has no key stored for a provider.
var ErrNotFound = errors.New("secret not found")

// cipher wraps the AEAD with the derived master key.
type cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// newCipher derives the 32-byte AEAD key from the configured secret. SHA-256
// keeps operator-supplied keys of any length usable.
func newCipher(masterKey string) (*cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	sum := sha256.Sum256([]byte(masterKey))
	aead, err := chacha20poly1305.NewX(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &cipher{aead: aead}, nil
}

// seal encrypts plaintext, binding the (user, provider) pair as associated
// data so a ciphertext moved to another row fails to decrypt.
func (c *cipher) seal(userID, provider, plaintext string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ad := []byte(userID + "\x00" + provider)
	return c.aead.Seal(nil, nonce, []byte(plaintext), ad), nonce, nil
}

func (c *cipher) open(userID, provider string, ciphertext, nonce []byte) (string, error) {
	ad := []byte(userID + "\x00" + provider)
	plain, err := c.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}
