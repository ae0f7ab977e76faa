// Package crypto seals access tokens before they are written to a shared
// credential store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Service seals a token for one account. The account id is bound as
// associated data, so a sealed token only opens under the account it was
// stored for.
type Service interface {
	Encrypt(accountID, token string) (string, error)
	Decrypt(accountID, sealed string) (string, error)
}

// Plaintext stores tokens as-is (no key configured).
type Plaintext struct{}

func (Plaintext) Encrypt(_, token string) (string, error)  { return token, nil }
func (Plaintext) Decrypt(_, sealed string) (string, error) { return sealed, nil }

var errSealedTooShort = errors.New("sealed token too short")

type AesGcmService struct {
	gcm cipher.AEAD
}

// NewAesGcmService takes a 64-character hex key (AES-256).
func NewAesGcmService(hexKey string) (*AesGcmService, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AesGcmService{gcm: gcm}, nil
}

func (c *AesGcmService) Encrypt(accountID, token string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext || tag
	sealed := c.gcm.Seal(nonce, nonce, []byte(token), []byte(accountID))
	return hex.EncodeToString(sealed), nil
}

func (c *AesGcmService) Decrypt(accountID, sealed string) (string, error) {
	buffer, err := hex.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(buffer) < nonceSize+c.gcm.Overhead() {
		return "", errSealedTooShort
	}

	nonce, body := buffer[:nonceSize], buffer[nonceSize:]
	token, err := c.gcm.Open(nil, nonce, body, []byte(accountID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token for %s: %w", accountID, err)
	}

	return string(token), nil
}

// New returns the AES-GCM service for hexKey, or Plaintext when hexKey is empty.
func New(hexKey string) (Service, error) {
	if hexKey == "" {
		return Plaintext{}, nil
	}
	return NewAesGcmService(hexKey)
}
