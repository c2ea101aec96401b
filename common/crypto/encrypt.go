// Package crypto seals provider API keys before they are written to the
// settings database.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM standard nonce size.
	NonceSize = 12
	// KeySize is the AES-256 key length.
	KeySize = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("crypto: key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM. The output is nonce || ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString seals s and returns it base64-encoded for a TEXT column.
func EncryptString(key []byte, s string) (string, error) {
	sealed, err := Encrypt(key, []byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(key []byte, encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	plain, err := Decrypt(key, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
