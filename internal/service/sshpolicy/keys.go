package sshpolicy

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"

	"golang.org/x/crypto/ssh"
)

type keyParser func([]byte) (ssh.Signer, error)

// keyParsers are tried in order: RSA, Ed25519 (PKCS#8), ECDSA, then any format
// the ssh package understands (including OpenSSH).
var keyParsers = []keyParser{
	pemParser("RSA PRIVATE KEY", func(der []byte) (any, error) { return x509.ParsePKCS1PrivateKey(der) }),
	pemParser("PRIVATE KEY", x509.ParsePKCS8PrivateKey),
	pemParser("EC PRIVATE KEY", func(der []byte) (any, error) { return x509.ParseECPrivateKey(der) }),
	ssh.ParsePrivateKey,
}

func pemParser(blockType string, parse func([]byte) (any, error)) keyParser {
	return func(raw []byte) (ssh.Signer, error) {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != blockType {
			return nil, errors.New("pem block type mismatch")
		}
		key, err := parse(block.Bytes)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(key)
	}
}

// ParsePrivateKey returns a signer for the PEM or OpenSSH encoded key.
func ParsePrivateKey(material string) (ssh.Signer, error) {
	raw := []byte(strings.TrimSpace(material) + "\n")
	var lastErr error
	for _, parse := range keyParsers {
		signer, err := parse(raw)
		if err == nil {
			return signer, nil
		}
		lastErr = err
	}
	return nil, newError(CodePrivateKeyInvalid, "private key could not be parsed", lastErr)
}
