// File: internal/infra/security/encryption_service.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// SignatureCipher encrypts direct debit contract signatures at rest using
// AES-GCM with a random nonce per message. The row id is bound as associated
// data, so a ciphertext copied onto another row fails to open.
type SignatureCipher struct {
	gcm cipher.AEAD
}

// NewSignatureCipher accepts a 16, 24 or 32 byte key (AES-128/192/256).
func NewSignatureCipher(key string) (*SignatureCipher, error) {
	k := []byte(key)
	n := len(k)
	if n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes; got %d", n)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &SignatureCipher{gcm: gcm}, nil
}

// Seal returns base64(nonce || ciphertext). An empty signature stays empty.
func (c *SignatureCipher) Seal(rowID, signature string) (string, error) {
	if signature == "" {
		return "", nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	ct := c.gcm.Seal(nonce, nonce, []byte(signature), []byte(rowID))
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open reverses Seal for the same row id.
func (c *SignatureCipher) Open(rowID, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	ns := c.gcm.NonceSize()
	if len(data) < ns {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := data[:ns], data[ns:]
	pt, err := c.gcm.Open(nil, nonce, ct, []byte(rowID))
	if err != nil {
		return "", fmt.Errorf("gcm open: %w", err)
	}
	return string(pt), nil
}
