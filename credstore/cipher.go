// Package credstore owns the integration credentials of source connections:
// encrypted at rest in the database, shared across runs, borrowed by the
// token manager which writes refreshed tokens back through this package.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned when a stored blob is shorter than the
// GCM nonce, which indicates corruption.
var ErrCiphertextTooShort = errors.New("credstore: ciphertext too short")

// Cipher seals and opens credential material with AES-256-GCM. The key is
// derived from the configured secret with SHA-256, producing a 32-byte key;
// a random nonce is generated per seal and prepended to the ciphertext.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the encryption key from the configured secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("credstore: encryption secret is empty")
	}
	return &Cipher{key: sha256.Sum256([]byte(secret))}, nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext. Empty plaintext seals to an empty blob so optional
// fields round-trip without storing a decryptable marker.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	aesGCM, err := c.gcm()
	if err != nil {
		return nil, fmt.Errorf("credstore: init cipher: %w", err)
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: nonce: %w", err)
	}
	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	aesGCM, err := c.gcm()
	if err != nil {
		return nil, fmt.Errorf("credstore: init cipher: %w", err)
	}
	if len(blob) < aesGCM.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := blob[:aesGCM.NonceSize()], blob[aesGCM.NonceSize():]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: decrypt: %w", err)
	}
	return plaintext, nil
}
