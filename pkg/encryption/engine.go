// Package encryption seals small secrets (worker private keys in config
// artifacts) with AES-256-GCM. Keys are either supplied directly or derived
// from an operator passphrase with PBKDF2.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key size in bytes
	KeySize = 32
	// SaltSize is the PBKDF2 salt size in bytes
	SaltSize = 16
	// NonceSize is the GCM nonce size in bytes
	NonceSize = 12
	// PBKDF2Iterations is the passphrase derivation work factor
	PBKDF2Iterations = 600_000
)

var (
	// ErrInvalidKey is returned when a key has the wrong length
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
	// ErrCiphertextTooShort is returned when ciphertext is shorter than a nonce
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")
)

// Engine provides AES-256-GCM encryption and decryption
type Engine struct {
	key []byte
}

// NewEngine creates a new encryption engine with the given key
func NewEngine(key []byte) (*Engine, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	// Copy so callers can't mutate our key underneath us
	owned := make([]byte, KeySize)
	copy(owned, key)

	return &Engine{key: owned}, nil
}

// NewEngineFromPassphrase creates an engine with a key derived from a passphrase
func NewEngineFromPassphrase(passphrase string, salt []byte) (*Engine, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes", SaltSize)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
	return NewEngine(key)
}

// GenerateSalt generates a cryptographically secure random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns nonce + ciphertext + tag concatenated.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	result := make([]byte, NonceSize+len(ciphertext))
	copy(result[:NonceSize], nonce)
	copy(result[NonceSize:], ciphertext)

	return result, nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
// Input format: nonce + ciphertext + tag concatenated.
func (e *Engine) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}
