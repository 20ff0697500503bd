package sshpolicy

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Fingerprint is a normalized expected host key digest.
type Fingerprint struct {
	SHA256 bool
	Value  string
}

func (f Fingerprint) String() string {
	if f.SHA256 {
		return "SHA256:" + f.Value
	}
	return f.Value
}

// Of computes the digest of key in the same format as f.
func (f Fingerprint) Of(key ssh.PublicKey) string {
	if f.SHA256 {
		return ssh.FingerprintSHA256(key)
	}
	return ssh.FingerprintLegacyMD5(key)
}

// Matches reports whether key has the expected digest.
func (f Fingerprint) Matches(key ssh.PublicKey) bool {
	return f.Of(key) == f.String()
}

// ParseFingerprint accepts "SHA256:<base64>" or a legacy MD5 digest in colon, dash or
// bare hex form, optionally prefixed with "MD5:".
func ParseFingerprint(raw string) (Fingerprint, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 7 && strings.EqualFold(raw[:7], "SHA256:") {
		value := strings.TrimRight(strings.TrimSpace(raw[7:]), "=")
		if value == "" {
			return Fingerprint{}, invalidFingerprint(raw)
		}
		if _, err := base64.RawStdEncoding.DecodeString(value); err != nil {
			return Fingerprint{}, invalidFingerprint(raw)
		}
		return Fingerprint{SHA256: true, Value: value}, nil
	}

	value := strings.ToLower(raw)
	value = strings.TrimPrefix(value, "md5:")
	value = strings.NewReplacer(":", "", "-", "").Replace(value)
	if len(value) != 32 {
		return Fingerprint{}, invalidFingerprint(raw)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return Fingerprint{}, invalidFingerprint(raw)
	}
	pairs := make([]string, 0, 16)
	for i := 0; i < len(value); i += 2 {
		pairs = append(pairs, value[i:i+2])
	}
	return Fingerprint{Value: strings.Join(pairs, ":")}, nil
}

func invalidFingerprint(raw string) *Error {
	return newError(CodeHostKeyInvalidFingerprint, fmt.Sprintf("invalid host fingerprint %q: expected SHA256:<base64> or MD5 hex", raw), nil)
}
