package sshpolicy

import "fmt"

// Stable error codes returned by the policy.
const (
	CodeHostKeyUntrusted          = "ssh_host_key_untrusted"
	CodeHostKeyMismatch           = "ssh_host_key_mismatch"
	CodeHostKeyInvalidFingerprint = "ssh_host_key_invalid_fingerprint"
	CodeAuthFailed                = "ssh_auth_failed"
	CodeConnectionFailed          = "ssh_connection_failed"
	CodeHostNotConfigured         = "ssh_host_not_configured"
	CodePrivateKeyInvalid         = "ssh_private_key_invalid"
)

// Error is a policy failure with a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}
