// ABOUTME: Credential vault sealing connector credentials with XChaCha20-Poly1305.
// ABOUTME: Ciphertexts are base64url(nonce || sealed JSON); tampering fails closed.

package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// minPBKDF2Iterations is the floor applied to passphrase derivation.
const minPBKDF2Iterations = 100_000

var (
	// ErrKeyLength is returned when key material is not exactly KeySize bytes.
	ErrKeyLength = errors.New("vault: key must be exactly 32 bytes")

	// ErrSaltTooShort is returned when a derivation salt is under 16 bytes.
	ErrSaltTooShort = errors.New("vault: salt must be at least 16 bytes")

	// ErrDecryption is returned for any malformed, truncated, or tampered ciphertext,
	// and for ciphertext sealed under a different key.
	ErrDecryption = errors.New("vault: decryption failed")
)

// Vault encrypts and decrypts credential payloads. It holds no mutable state
// and is safe for concurrent use.
type Vault struct {
	key []byte
}

// New creates a vault from a raw 32-byte key. The key is copied.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// NewFromBase64 creates a vault from a base64 (std or url, padded or raw) encoded key.
func NewFromBase64(encoded string) (*Vault, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return New(key)
		}
	}
	return nil, ErrKeyLength
}

// Derive creates a vault from a passphrase using PBKDF2-SHA256.
func Derive(passphrase string, salt []byte, iterations int) (*Vault, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < minPBKDF2Iterations {
		iterations = minPBKDF2Iterations
	}
	return New(pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New))
}

// GenerateKey returns a new random key, base64url encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("reading random key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Encrypt seals a credential payload. A fresh random nonce is used on every call,
// so encrypting the same payload twice yields different ciphertexts.
func (v *Vault) Encrypt(payload map[string]string) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("vault: encoding payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: reading nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure, including a
// wrong key, returns ErrDecryption and never a partial payload.
func (v *Vault) Decrypt(ciphertext string) (map[string]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryption
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}

	var payload map[string]string
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrDecryption
	}
	if payload == nil {
		payload = map[string]string{}
	}
	return payload, nil
}
