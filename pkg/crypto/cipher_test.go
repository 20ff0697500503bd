package crypto

import (
	"errors"
	"testing"
)

func TestSecretCipherRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c := NewSecretCipher(key)
	token, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if token == "hunter2" {
		t.Fatalf("token should not equal plaintext")
	}
	plain, err := c.Decrypt(token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("expected hunter2, got %q", plain)
	}
}

func TestSecretCipherFailsClosed(t *testing.T) {
	for _, key := range []string{"", "short", "bm90LTMyLWJ5dGVz"} {
		c := NewSecretCipher(key)
		if _, err := c.Encrypt("x"); !errors.Is(err, ErrSecretKey) {
			t.Fatalf("key %q: expected ErrSecretKey, got %v", key, err)
		}
		if _, err := c.Decrypt("x"); !errors.Is(err, ErrSecretKey) {
			t.Fatalf("key %q: expected ErrSecretKey on decrypt, got %v", key, err)
		}
	}
}

func TestSecretCipherRejectsForeignToken(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	token, err := NewSecretCipher(k1).Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := NewSecretCipher(k2).Decrypt(token); !errors.Is(err, ErrCipher) {
		t.Fatalf("expected ErrCipher, got %v", err)
	}
}
