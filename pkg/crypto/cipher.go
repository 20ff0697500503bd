package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrSecretKey indicates the process-wide key is missing or malformed.
	ErrSecretKey = errors.New("crypto: secret key missing or invalid")
	// ErrCipher indicates a payload could not be sealed or opened with a valid key.
	ErrCipher = errors.New("crypto: cipher operation failed")
)

// SecretCipher encrypts stored secrets with AES-GCM. It fails closed: when the
// configured key is unusable every call returns ErrSecretKey.
type SecretCipher struct {
	aead   cipher.AEAD
	keyErr error
}

// NewSecretCipher builds a cipher from a base64 encoded 32 byte key. An invalid key
// does not fail construction so the process can start and report the problem per call.
func NewSecretCipher(key string) *SecretCipher {
	raw, err := decodeKey(key)
	if err != nil {
		return &SecretCipher{keyErr: err}
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return &SecretCipher{keyErr: fmt.Errorf("%w: %v", ErrSecretKey, err)}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return &SecretCipher{keyErr: fmt.Errorf("%w: %v", ErrSecretKey, err)}
	}
	return &SecretCipher{aead: gcm}
}

// Ready reports whether the cipher holds a usable key.
func (c *SecretCipher) Ready() error {
	if c == nil {
		return ErrSecretKey
	}
	return c.keyErr
}

// Encrypt seals plaintext and returns a URL-safe token.
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *SecretCipher) Decrypt(token string) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrCipher, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", fmt.Errorf("%w: %v", ErrCipher, io.ErrUnexpectedEOF)
	}
	plain, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	return string(plain), nil
}

// GenerateKey returns a fresh key suitable for APP_SECRET_KEY.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func decodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: APP_SECRET_KEY is not set", ErrSecretKey)
	}
	encodings := []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding}
	for _, enc := range encodings {
		raw, err := enc.DecodeString(key)
		if err == nil && len(raw) == 32 {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: APP_SECRET_KEY must be base64 encoded 32 bytes", ErrSecretKey)
}
