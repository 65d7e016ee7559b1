// Package crypto provides symmetric authenticated encryption for stored
// conversation payloads and sensitive profile text. Values are AES-256-GCM
// sealed and base64 encoded; encrypted values carry a fixed magic prefix so
// readers can transparently fall back to legacy plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// MagicPrefix marks a value as encrypted at rest.
const MagicPrefix = "enc:v1:"

// EnvKey is the environment variable holding the base64-encoded 32-byte key.
const EnvKey = "WAGENT_ENCRYPTION_KEY"

var (
	// ErrInvalidKey is returned when the encryption key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrInvalidCiphertext is returned when a token cannot be authenticated or decoded.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Cipher seals and opens opaque tokens with a process-level key.
type Cipher struct {
	key []byte
}

// New creates a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return &Cipher{key: key}, nil
}

// NewFromBase64 creates a Cipher from a base64-encoded 32-byte key.
func NewFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, ErrInvalidKey
	}
	return New(key)
}

// Encrypt seals plaintext into an opaque token: MagicPrefix + base64(nonce||ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "failed to create GCM")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return MagicPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. The magic prefix is optional on
// input so tokens stored before the prefix was introduced still decrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	token = strings.TrimPrefix(token, MagicPrefix)

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "failed to create GCM")
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the magic prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, MagicPrefix)
}

// DecryptAuto decrypts prefixed values and passes legacy plaintext through
// unchanged. Values written before encryption was introduced stay readable.
func (c *Cipher) DecryptAuto(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return c.Decrypt(value)
}

// GenerateKey generates a random 256-bit key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", errors.Wrap(err, "failed to generate key")
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// LoadOrCreateKey resolves the process key: the environment variable wins,
// then an existing key file, and as a last resort a fresh key is written to
// dataDir/secret.key with owner-only permissions.
func LoadOrCreateKey(dataDir string) (*Cipher, error) {
	if encoded := os.Getenv(EnvKey); encoded != "" {
		c, err := NewFromBase64(encoded)
		if err != nil {
			return nil, errors.Wrapf(err, "%s is not a base64-encoded 32-byte key", EnvKey)
		}
		return c, nil
	}

	keyPath := filepath.Join(dataDir, "secret.key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		return NewFromBase64(string(raw))
	}

	encoded, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to write key file")
	}
	return NewFromBase64(encoded)
}
