// Package secrets encrypts provider credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "channel-credentials"

// ErrCiphertextTooShort is returned when the input cannot contain a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Box seals strings with AES-256-GCM under a key derived from a master secret.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the data key from masterKey with HKDF-SHA256.
func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("master key cannot be empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	n := b.aead.NonceSize()
	if len(data) < n {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := b.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// EncryptMap seals a credentials map.
func (b *Box) EncryptMap(m map[string]string) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return b.Encrypt(string(raw))
}

// DecryptMap opens a credentials map sealed with EncryptMap. An empty input
// yields an empty map.
func (b *Box) DecryptMap(encoded string) (map[string]string, error) {
	m := map[string]string{}
	if encoded == "" {
		return m, nil
	}
	plaintext, err := b.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(plaintext), &m); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return m, nil
}
