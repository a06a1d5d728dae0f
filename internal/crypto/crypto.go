// Package crypto encrypts small secrets kept in the local store, such as
// the session credential. Uses AES-256-GCM with keys expanded by HKDF.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// keyInfo binds derived keys to this application.
const keyInfo = "tasksync:credential:v1"

// DeriveKey expands secret into a 32-byte AES key with HKDF-SHA256.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM under a key derived from secret.
func Encrypt(plaintext, secret []byte) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, secret []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString encrypts a string to a base64-encoded string.
func EncryptString(plaintext, secret string) (string, error) {
	if secret == "" {
		return "", ErrInvalidKey
	}
	return Encrypt([]byte(plaintext), []byte(secret))
}

// DecryptString decrypts a base64-encoded string to a string.
func DecryptString(ciphertext, secret string) (string, error) {
	if secret == "" {
		return "", ErrInvalidKey
	}
	plaintext, err := Decrypt(ciphertext, []byte(secret))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
