package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix of message text stored in encrypted form.
const encryptedTextPrefix = "enc1:"

// MessageEncryptionService encrypts and decrypts message text at rest.
type MessageEncryptionService struct {
	aead cipher.AEAD
}

// NewMessageEncryptionService creates a new message encryption service.
// Returns nil service when the key is empty: encryption is disabled.
func NewMessageEncryptionService(key []byte) (*MessageEncryptionService, error) {
	if len(key) == 0 {
		return nil, nil
	}

	// AES supports 16, 24, or 32 bytes keys.
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return &MessageEncryptionService{aead: aead}, nil
}

// IsEnabled returns whether encryption is enabled.
func (es *MessageEncryptionService) IsEnabled() bool {
	return es != nil && es.aead != nil
}

// EncryptText seals the text. The nonce is prepended to the ciphertext.
func (es *MessageEncryptionService) EncryptText(text string) (string, error) {
	if !es.IsEnabled() {
		return text, nil
	}

	nonce := make([]byte, es.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := es.aead.Seal(nonce, nonce, []byte(text), nil)
	return encryptedTextPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// DecryptText reverses EncryptText. Text without the prefix is returned as is,
// so history written before the key was configured stays readable.
func (es *MessageEncryptionService) DecryptText(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedTextPrefix) {
		return stored, nil
	}
	if !es.IsEnabled() {
		return "", errors.New("message is encrypted but no encryption key is configured")
	}

	sealed, err := base64.RawStdEncoding.DecodeString(stored[len(encryptedTextPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted text: %w", err)
	}
	size := es.aead.NonceSize()
	if len(sealed) < size {
		return "", errors.New("encrypted text is too short")
	}
	plain, err := es.aead.Open(nil, sealed[:size], sealed[size:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt text: %w", err)
	}
	return string(plain), nil
}

var messageEncryptionService *MessageEncryptionService

// IsMessageEncryptionEnabled returns whether message encryption is currently enabled
func IsMessageEncryptionEnabled() bool {
	return messageEncryptionService.IsEnabled()
}
