// Package crypto provides encryption-at-rest for message content.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Error kinds for the codec boundary. Callers on the read path must contain
// these and substitute ContentUnavailable rather than surfacing them to users.
var (
	ErrEncryptionFailure = errors.New("content encryption failed")
	ErrDecryptionFailure = errors.New("content decryption failed")
	ErrIntegrityMismatch = errors.New("content integrity hash mismatch")
)

// ContentUnavailable is the sentinel substituted for message content that
// could not be decrypted.
const ContentUnavailable = "[content unavailable]"

const keySize = 32 // AES-256

// ContentCodec encrypts and decrypts message bodies with a process-wide
// symmetric key and computes the integrity hash stored next to the
// ciphertext. Key rotation is out of scope.
type ContentCodec struct {
	aead cipher.AEAD
}

// NewContentCodec derives an AES-256-GCM key from the master secret via
// HKDF-SHA256 and returns a ready codec. The secret must be non-empty.
func NewContentCodec(masterSecret string) (*ContentCodec, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("%w: empty master secret", ErrEncryptionFailure)
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("carewire-message-content"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrEncryptionFailure, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	return &ContentCodec{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64 ciphertext plus the hex-encoded
// SHA-256 integrity hash of the plaintext.
func (c *ContentCodec) Encrypt(plaintext string) (ciphertext, integrityHash string, err error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("%w: nonce: %v", ErrEncryptionFailure, err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), Hash(plaintext), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt.
func (c *ContentCodec) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding: %v", ErrDecryptionFailure, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailure)
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return string(plaintext), nil
}

// DecryptVerified decrypts and checks the plaintext against the stored
// integrity hash. A mismatch indicates tampering and fails closed.
func (c *ContentCodec) DecryptVerified(ciphertext, integrityHash string) (string, error) {
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	if !Verify(plaintext, integrityHash) {
		return "", ErrIntegrityMismatch
	}
	return plaintext, nil
}

// Hash returns the hex-encoded SHA-256 digest of the plaintext.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether plaintext matches the stored integrity hash.
func Verify(plaintext, integrityHash string) bool {
	return Hash(plaintext) == integrityHash
}
