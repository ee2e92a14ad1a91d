// internal/secrets/box.go
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	custom_errors "repo-pulse/internal/errors"
)

// Box seals access tokens at rest with XChaCha20-Poly1305. A sealed token is
// base64(nonce || ciphertext).
type Box struct {
	key []byte
}

// NewBox parses a base64 encoded 32-byte key.
func NewBox(encodedKey string) (*Box, error) {
	if encodedKey == "" {
		return nil, errors.New("TOKEN_ENC_KEY is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENC_KEY is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("TOKEN_ENC_KEY must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt returns a *errors.SecretError for any token it cannot open.
func (b *Box) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", &custom_errors.SecretError{Err: err}
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", &custom_errors.SecretError{Err: err}
	}
	if len(raw) < aead.NonceSize() {
		return "", &custom_errors.SecretError{Err: errors.New("ciphertext too short")}
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &custom_errors.SecretError{Err: err}
	}
	return string(plaintext), nil
}
