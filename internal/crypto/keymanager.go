// Package crypto provides EIP-712 order hashing and maker signature checks,
// the vault's at-rest sealing, and HMAC request signing for chain adapters.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// minSaltLen is the shortest accepted salt in bytes.
	minSaltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
)

// Sealer encrypts small secrets at rest with AES-256-GCM under a key derived
// from a passphrase via PBKDF2-HMAC-SHA256. Sealed output is nonce||ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key. saltHex must decode to at least 16 bytes
// and stay stable for the lifetime of the stored data.
func NewSealer(passphrase, saltHex string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	salt, err := hex.DecodeString(strings.TrimPrefix(saltHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid salt hex: %w", err)
	}
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("crypto: salt must be at least %d bytes, got %d", minSaltLen, len(salt))
	}

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext, binding it to aad (e.g. the order ID).
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("crypto: sealed data too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return plaintext, nil
}

// RandomSaltHex returns a fresh 16-byte salt, hex encoded.
func RandomSaltHex() (string, error) {
	salt := make([]byte, minSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}
