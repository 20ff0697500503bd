package sshpolicy

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hololee/Lyra/internal/repository"
)

// Settings keys holding the host SSH configuration.
const (
	SettingHost        = "ssh_host"
	SettingPort        = "ssh_port"
	SettingUsername    = "ssh_username"
	SettingAuthMethod  = "ssh_auth_method"
	SettingPassword    = "ssh_password"
	SettingFingerprint = "ssh_host_fingerprint"
)

// SettingsReader reads settings values.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// Decrypter opens stored secrets.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// LoadHostConfig builds a Config from persisted host SSH settings.
func LoadHostConfig(ctx context.Context, settings SettingsReader, cipher Decrypter, timeout time.Duration) (Config, error) {
	get := func(key string) (string, error) {
		value, err := settings.GetSetting(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return strings.TrimSpace(value), err
	}
	values := map[string]string{}
	for _, key := range []string{SettingHost, SettingPort, SettingUsername, SettingAuthMethod, SettingPassword, SettingFingerprint} {
		v, err := get(key)
		if err != nil {
			return Config{}, newError(CodeConnectionFailed, "could not read SSH settings", err)
		}
		values[key] = v
	}
	if values[SettingHost] == "" || values[SettingUsername] == "" {
		return Config{}, newError(CodeHostNotConfigured, "SSH host settings are not configured", nil)
	}
	port := 22
	if raw := values[SettingPort]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 65535 {
			return Config{}, newError(CodeHostNotConfigured, "SSH port setting is invalid", err)
		}
		port = parsed
	}
	method := AuthMethod(strings.ToLower(values[SettingAuthMethod]))
	if method == "" {
		method = AuthPassword
	}
	cfg := Config{
		Host:            values[SettingHost],
		Port:            port,
		Username:        values[SettingUsername],
		AuthMethod:      method,
		HostFingerprint: values[SettingFingerprint],
		Timeout:         timeout,
	}
	if method == AuthPassword && values[SettingPassword] != "" {
		password, err := cipher.Decrypt(values[SettingPassword])
		if err != nil {
			return Config{}, newError(CodeAuthFailed, "stored SSH password could not be decrypted", err)
		}
		cfg.Password = password
	}
	return cfg, nil
}

// TestResult is the structured outcome of a connectivity test.
type TestResult struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Test connects, runs nothing and reports the outcome instead of failing.
func (p *Policy) Test(ctx context.Context, cfg Config) TestResult {
	client, err := p.Connect(ctx, cfg)
	if err != nil {
		return ResultFromError(err)
	}
	_ = client.Close()
	return TestResult{Status: "ok", Message: "SSH connection succeeded"}
}

// ResultFromError converts a policy error into a TestResult.
func ResultFromError(err error) TestResult {
	var pe *Error
	if errors.As(err, &pe) {
		return TestResult{Status: "error", Code: pe.Code, Message: pe.Message}
	}
	return TestResult{Status: "error", Code: CodeConnectionFailed, Message: err.Error()}
}
