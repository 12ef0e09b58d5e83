// Package crypto seals upstream credentials at rest. Tokens are stored
// AES-256-GCM encrypted when an encryption key is configured; without one,
// values pass through unchanged (useful for local development).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Sealer encrypts and decrypts stored credential fields.
// Sealed format: "{nonce_hex}:{ciphertext_hex}".
type Sealer struct {
	key  string
	salt string

	once    sync.Once
	derived []byte
	deriveE error
}

// NewSealer creates a Sealer. An empty key disables sealing.
func NewSealer(key, salt string) *Sealer {
	return &Sealer{key: key, salt: salt}
}

// Enabled reports whether values are actually encrypted.
func (s *Sealer) Enabled() bool { return s.key != "" }

func (s *Sealer) deriveKey() ([]byte, error) {
	s.once.Do(func() {
		s.derived, s.deriveE = scrypt.Key([]byte(s.key), []byte(s.salt), 32768, 8, 1, 32)
	})
	if s.deriveE != nil {
		return nil, fmt.Errorf("scrypt derive: %w", s.deriveE)
	}
	return s.derived, nil
}

// Seal encrypts a plaintext value.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if !s.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	key, err := s.deriveKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm mode: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed value. Values without the sealed format are
// returned as-is so plaintext records written before sealing was enabled
// keep working.
func (s *Sealer) Open(sealed string) (string, error) {
	if !s.Enabled() || sealed == "" {
		return sealed, nil
	}
	parts := strings.SplitN(sealed, ":", 2)
	if len(parts) != 2 {
		return sealed, nil
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return sealed, nil
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return sealed, nil
	}
	key, err := s.deriveKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm mode: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return sealed, nil
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}
