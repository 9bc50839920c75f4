// Package vault provides security primitives: AES-GCM sealing of secrets
// kept in configuration files, constant-time secret comparison and TLS
// certificate generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a configuration value produced by Seal.
const SealedPrefix = "enc:"

var (
	ErrMasterKeyRequired = errors.New("sealed secret requires a master key")
	ErrCiphertextShort   = errors.New("ciphertext too short")
	ErrDecrypt           = errors.New("decryption failed (wrong key or tampered data)")
)

// Encrypt takes a plaintext string and a 32-byte key, returning an encrypted hex string.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// The nonce is prepended so Decrypt can recover it.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt takes the hex string and the 32-byte key to return the original text.
func Decrypt(cipherHex string, key []byte) (string, error) {
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextShort
	}

	nonce, actualCiphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Seal encrypts a secret into the "enc:<hex>" form accepted by Open.
func Seal(secret string, key []byte) (string, error) {
	ct, err := Encrypt(secret, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Open returns value unchanged unless it is sealed, in which case it is
// decrypted with key.
func Open(value string, key []byte) (string, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrMasterKeyRequired
	}
	return Decrypt(strings.TrimPrefix(value, SealedPrefix), key)
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
