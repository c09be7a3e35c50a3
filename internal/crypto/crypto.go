// Package crypto provides the end-to-end encryption used before session
// data is uploaded to the cloud service: Argon2id key derivation and
// AES-256-GCM authenticated encryption. The cloud service only ever sees
// ciphertext.
//
// AES-GCM itself comes from the standard library (crypto/aes,
// crypto/cipher); no AEAD wrapper appears anywhere in the example pack, and
// the stdlib implementation is constant-time and audited, so there is
// nothing an ecosystem dependency would add here.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/varalys/lore/internal/errs"
)

// KeySize is the size in bytes of an AES-256 key.
const KeySize = 32

// NonceSize is the size in bytes of a GCM nonce.
const NonceSize = 12

// SaltSize is the size in bytes of an Argon2id salt.
const SaltSize = 16

// Argon2id parameters. These match the library defaults used elsewhere in
// the ecosystem for interactive key derivation: enough work to resist
// offline brute force without making every login round-trip noticeable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// GenerateSalt returns a fresh random salt for DeriveKey. It should be
// stored alongside the account (in config) and reused for the same
// passphrase so derivation is reproducible.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", errs.EncryptionError, err)
	}
	return salt, nil
}

// GenerateKey returns a fresh random 32-byte AES-256 key, used when a
// session establishes end-to-end encryption without a user passphrase (the
// key is stored in the credential backend rather than derived).
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", errs.EncryptionError, err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt via
// Argon2id. The same passphrase and salt always produce the same key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// Encrypt seals data with AES-256-GCM under key, returning
// nonce(12) || ciphertext || tag(16).
func Encrypt(data, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", errs.EncryptionError, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.EncryptionError, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.EncryptionError, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", errs.EncryptionError, err)
	}

	sealed := gcm.Seal(nil, nonce, data, nil)
	return append(nonce, sealed...), nil
}

// Decrypt opens data previously produced by Encrypt.
func Decrypt(data, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", errs.EncryptionError, KeySize, len(key))
	}
	if len(data) < NonceSize {
		return nil, fmt.Errorf("%w: encrypted data shorter than nonce", errs.EncryptionError)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.EncryptionError, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.EncryptionError, err)
	}

	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", errs.EncryptionError)
	}
	return plaintext, nil
}

// EncodeBase64 encodes binary data for transport in a JSON payload.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a payload produced by EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", errs.EncryptionError, err)
	}
	return data, nil
}

// EncodeKeyHex encodes a key for storage in the credential backend.
func EncodeKeyHex(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKeyHex decodes a key previously stored by EncodeKeyHex.
func DecodeKeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: hex decode: %v", errs.EncryptionError, err)
	}
	return key, nil
}
