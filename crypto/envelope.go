// Package crypto implements the symmetric authenticated-encryption
// envelope used to protect sensitive BackendServer fields (command
// arguments, environment variables, SSE headers) at rest.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// version identifies the envelope layout. Bumping it lets a future
// format change coexist with data encrypted under the old one; Decrypt
// rejects any version it doesn't recognize instead of guessing.
const version byte = 1

// KeySize is the length in bytes of a raw EncryptionKey.
const KeySize = chacha20poly1305.KeySize

// DecryptError wraps any failure to recover plaintext from a token:
// wrong key, truncated data, unknown version, or a forged/corrupted
// ciphertext that fails AEAD authentication. Callers treat it as a
// single opaque failure class, per the gateway's error taxonomy.
type DecryptError struct {
	reason string
}

func (e *DecryptError) Error() string { return "decrypt: " + e.reason }

func decryptErrorf(format string, args ...interface{}) *DecryptError {
	return &DecryptError{reason: fmt.Sprintf(format, args...)}
}

// EncryptionKey is the process-wide symmetric key loaded once at startup
// from MCP_ENCRYPTION_KEY. It has no mutable state and is safe for
// concurrent use by any number of Envelope callers.
type EncryptionKey struct {
	aead cipher.AEAD
	raw  [KeySize]byte
}

// NewEncryptionKey constructs an EncryptionKey from exactly KeySize raw
// key bytes.
func NewEncryptionKey(key []byte) (*EncryptionKey, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	k := &EncryptionKey{aead: aead}
	copy(k.raw[:], key)
	return k, nil
}

// ParseEncryptionKey decodes a standard-base64-encoded key, as found in
// the MCP_ENCRYPTION_KEY environment variable.
func ParseEncryptionKey(encoded string) (*EncryptionKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode MCP_ENCRYPTION_KEY: %w", err)
	}
	return NewEncryptionKey(raw)
}

// Encrypt seals plaintext into a base64 token: version(1) || nonce ||
// ciphertext+tag. A fresh random nonce is drawn on every call.
func (k *EncryptionKey) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, 1+len(nonce)+len(sealed))
	blob = append(blob, version)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any structural problem (bad base64, short
// blob, unknown version) or authentication failure is reported as a
// *DecryptError.
func (k *EncryptionKey) Decrypt(token string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, decryptErrorf("malformed base64: %v", err)
	}
	nonceSize := k.aead.NonceSize()
	if len(blob) < 1+nonceSize {
		return nil, decryptErrorf("token too short")
	}
	if blob[0] != version {
		return nil, decryptErrorf("unsupported envelope version %d", blob[0])
	}
	nonce := blob[1 : 1+nonceSize]
	ciphertext := blob[1+nonceSize:]
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, decryptErrorf("authentication failed: %v", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for string plaintext.
func (k *EncryptionKey) EncryptString(plaintext string) (string, error) {
	return k.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper returning plaintext as a string.
func (k *EncryptionKey) DecryptString(token string) (string, error) {
	plaintext, err := k.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
