package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jverhoef/schoolgate/internal/identity"
)

const (
	// MasterKeyLen is the required master key material length in bytes.
	MasterKeyLen = 32

	kdfIterations = 4096
	kdfSaltPrefix = "schoolgate/v1:"
)

// Sealer encrypts and decrypts per-user blobs. Each identity gets its own
// derived key: compromise of one user's ciphertext plus the master key still
// requires that user's identity string.
type Sealer struct {
	master []byte
}

// NewSealer validates the master key material and returns a Sealer.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != MasterKeyLen {
		return nil, fmt.Errorf("master key must be exactly %d bytes (got %d)", MasterKeyLen, len(master))
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &Sealer{master: cp}, nil
}

// keyFor derives the AES-256 key for one identity. The lowercase identity
// acts as salt, so the derivation is deterministic per user.
func (s *Sealer) keyFor(email string) []byte {
	salt := []byte(kdfSaltPrefix + identity.Normalize(email))
	return pbkdf2.Key(s.master, salt, kdfIterations, 32, sha256.New)
}

// Seal encrypts plaintext under the identity's derived key with AES-256-GCM.
// A fresh random nonce is generated per call and prepended to the output;
// nonce reuse would void the cipher's guarantees.
func (s *Sealer) Seal(email string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.keyFor(email))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal for the same identity. Any
// tampering, truncation or wrong-identity key yields an error; callers
// treat that as "no usable data", never as a fatal condition.
func (s *Sealer) Open(email string, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.keyFor(email))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
