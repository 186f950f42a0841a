// Package crypto provides at-rest encryption for secret configuration values
// (provider API keys, channel tokens, node-config passwords).
//
// Encrypted values are prefixed with "enc:v1:" followed by base64-encoded
// salt || nonce || ciphertext. The salt feeds a PBKDF2-HMAC-SHA256 key
// derivation (600000 iterations) from a master passphrase, so the derived
// AES-256-GCM key is never stored or logged alongside the ciphertext it
// protects.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encPrefix     = "enc:v1:"
	saltSize      = 16
	pbkdf2Iters   = 600_000
	derivedKeyLen = 32
)

// Encrypt encrypts plaintext using AES-256-GCM under a key derived from
// passphrase, and returns "enc:v1:<base64(salt || nonce || ciphertext)>".
// Returns the original string unchanged if it is empty — absent secrets
// stay absent rather than becoming an encrypted empty string.
func Encrypt(plaintext string, passphrase string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}
	if passphrase == "" {
		return "", errors.New("crypto: encryption passphrase must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}

	key := DeriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return encPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decrypts a value previously produced by Encrypt using the same
// passphrase. Values without the "enc:v1:" prefix are returned unchanged
// (plaintext passthrough), so config that was never encrypted loads fine.
func Decrypt(ciphertext string, passphrase string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}
	if passphrase == "" {
		return "", errors.New("crypto: decryption passphrase must not be empty")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}

	if len(raw) < saltSize {
		return "", errors.New("crypto: ciphertext too short for salt")
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	key := DeriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", errors.New("crypto: ciphertext too short for nonce")
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether the value carries the "enc:v1:" prefix,
// meaning it was produced by Encrypt.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and a
// per-value salt using PBKDF2-HMAC-SHA256 at 600000 iterations. The same
// (passphrase, salt) pair always yields the same key, which is all
// Decrypt needs to undo Encrypt's output.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, derivedKeyLen, sha256.New)
}
