package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// DecryptError indicates that stored ciphertext could not be decrypted.
// Callers must treat it as total credential loss for the connection, not as
// a retryable condition.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("credential decrypt failed: %s", e.Reason)
}

// Vault encrypts and decrypts provider credentials with AES-256-GCM.
// It performs no I/O; the key is supplied at construction time.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte AES key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns a base64 string with the random
// nonce prepended to the sealed bytes.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Malformed or corrupted ciphertext returns a
// *DecryptError; there are no partial results.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptError{Reason: "invalid base64"}
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", &DecryptError{Reason: "ciphertext shorter than nonce"}
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}
