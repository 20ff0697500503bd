package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/internal/service/sshpolicy"
	"github.com/hololee/Lyra/pkg/crypto"
)

type settingValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// reservedSetting reports keys only writable through dedicated endpoints.
func reservedSetting(key string) bool {
	for _, prefix := range domain.ReservedSettingPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return key == sshpolicy.SettingPassword
}

func (r *Router) handleGetSetting(w http.ResponseWriter, req *http.Request) {
	key := strings.TrimSpace(req.PathValue("key"))
	if reservedSetting(key) {
		r.writeAppError(w, req, apperr.Validation("reserved_setting_key", "setting key is reserved"))
		return
	}
	value, err := r.settings.GetSetting(req.Context(), key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.writeAppError(w, req, apperr.NotFound("setting_not_found", "setting not found"))
			return
		}
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, settingValue{Key: key, Value: value})
}

func (r *Router) handlePutSetting(w http.ResponseWriter, req *http.Request) {
	key := strings.TrimSpace(req.PathValue("key"))
	if key == "" {
		r.writeAppError(w, req, apperr.Validation("setting_key_required", "setting key is required"))
		return
	}
	if reservedSetting(key) {
		r.writeAppError(w, req, apperr.Validation("reserved_setting_key", "setting key is reserved"))
		return
	}
	var payload struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	if err := r.settings.PutSetting(req.Context(), key, payload.Value); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, settingValue{Key: key, Value: payload.Value})
}

type sshSettingsInput struct {
	Host            string  `json:"host"`
	Port            int     `json:"port"`
	Username        string  `json:"username"`
	AuthMethod      string  `json:"auth_method"`
	Password        *string `json:"password"`
	PrivateKey      string  `json:"private_key"`
	HostFingerprint string  `json:"host_fingerprint"`
}

type sshSettingsView struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	AuthMethod      string `json:"auth_method"`
	HostFingerprint string `json:"host_fingerprint"`
	HasPassword     bool   `json:"has_password"`
}

func (in *sshSettingsInput) normalize() error {
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	in.AuthMethod = strings.ToLower(strings.TrimSpace(in.AuthMethod))
	in.HostFingerprint = strings.TrimSpace(in.HostFingerprint)
	if in.AuthMethod == "" {
		in.AuthMethod = string(sshpolicy.AuthPassword)
	}
	if in.AuthMethod != string(sshpolicy.AuthPassword) && in.AuthMethod != string(sshpolicy.AuthKey) {
		return apperr.Validation("invalid_ssh_auth_method", "auth_method must be password or key")
	}
	if in.Port == 0 {
		in.Port = 22
	}
	if in.Port < 1 || in.Port > 65535 {
		return apperr.Validation("invalid_ssh_port", "port must be between 1 and 65535")
	}
	if in.HostFingerprint != "" {
		fp, err := sshpolicy.ParseFingerprint(in.HostFingerprint)
		if err != nil {
			return sshValidation(err)
		}
		in.HostFingerprint = fp.String()
	}
	return nil
}

func sshValidation(err error) error {
	var pe *sshpolicy.Error
	if errors.As(err, &pe) {
		return apperr.Validation(pe.Code, pe.Message)
	}
	return apperr.Validation("invalid_ssh_settings", err.Error())
}

func (r *Router) handleGetSSHSettings(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	read := func(key string) (string, error) {
		v, err := r.settings.GetSetting(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return v, err
	}
	values := map[string]string{}
	for _, key := range []string{sshpolicy.SettingHost, sshpolicy.SettingPort, sshpolicy.SettingUsername, sshpolicy.SettingAuthMethod, sshpolicy.SettingPassword, sshpolicy.SettingFingerprint} {
		v, err := read(key)
		if err != nil {
			r.writeAppError(w, req, err)
			return
		}
		values[key] = v
	}
	port, err := strconv.Atoi(values[sshpolicy.SettingPort])
	if err != nil || port <= 0 {
		port = 22
	}
	method := values[sshpolicy.SettingAuthMethod]
	if method == "" {
		method = string(sshpolicy.AuthPassword)
	}
	writeJSON(w, http.StatusOK, sshSettingsView{
		Host:            values[sshpolicy.SettingHost],
		Port:            port,
		Username:        values[sshpolicy.SettingUsername],
		AuthMethod:      method,
		HostFingerprint: values[sshpolicy.SettingFingerprint],
		HasPassword:     values[sshpolicy.SettingPassword] != "",
	})
}

// handlePutSSHSettings stores the host SSH target. A nil password keeps the stored one.
func (r *Router) handlePutSSHSettings(w http.ResponseWriter, req *http.Request) {
	var in sshSettingsInput
	if err := decodeJSON(req, &in); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	if err := in.normalize(); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	if in.Host == "" {
		r.writeAppError(w, req, apperr.Validation("ssh_host_required", "host is required"))
		return
	}
	if in.Username == "" {
		r.writeAppError(w, req, apperr.Validation("ssh_username_required", "username is required"))
		return
	}

	writes := map[string]string{
		sshpolicy.SettingHost:        in.Host,
		sshpolicy.SettingPort:        strconv.Itoa(in.Port),
		sshpolicy.SettingUsername:    in.Username,
		sshpolicy.SettingAuthMethod:  in.AuthMethod,
		sshpolicy.SettingFingerprint: in.HostFingerprint,
	}
	if in.Password != nil {
		sealed := ""
		if *in.Password != "" {
			var err error
			sealed, err = r.sealPassword(*in.Password)
			if err != nil {
				r.writeAppError(w, req, err)
				return
			}
		}
		writes[sshpolicy.SettingPassword] = sealed
	}
	if err := r.putSettings(req.Context(), writes); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (r *Router) sealPassword(plain string) (string, error) {
	if r.cipher == nil {
		return "", apperr.Internal("security_key_missing", "secret cipher is not configured")
	}
	sealed, err := r.cipher.Encrypt(plain)
	if err != nil {
		if errors.Is(err, crypto.ErrSecretKey) {
			return "", apperr.Internal("security_key_missing", "APP_SECRET_KEY is missing or invalid").Wrap(err)
		}
		return "", apperr.Internal("password_encryption_failed", "password could not be encrypted").Wrap(err)
	}
	return sealed, nil
}

func (r *Router) putSettings(ctx context.Context, writes map[string]string) error {
	for key, value := range writes {
		if err := r.settings.PutSetting(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// handleSSHTest tests the submitted target, or the stored host settings when no
// host is given. Failures are reported in the body with status 200.
func (r *Router) handleSSHTest(w http.ResponseWriter, req *http.Request) {
	var in sshSettingsInput
	if err := decodeJSON(req, &in); err != nil {
		r.writeAppError(w, req, err)
		return
	}

	var cfg sshpolicy.Config
	if strings.TrimSpace(in.Host) == "" {
		loaded, err := sshpolicy.LoadHostConfig(req.Context(), r.settings, r.cipher, r.sshTimeout)
		if err != nil {
			writeJSON(w, http.StatusOK, sshpolicy.ResultFromError(err))
			return
		}
		cfg = loaded
	} else {
		if err := in.normalize(); err != nil {
			if e, ok := apperr.As(err); ok {
				writeJSON(w, http.StatusOK, sshpolicy.TestResult{Status: "error", Code: e.Code, Message: e.Message})
				return
			}
		}
		password := ""
		if in.Password != nil {
			password = *in.Password
		}
		cfg = sshpolicy.Config{
			Host:            in.Host,
			Port:            in.Port,
			Username:        in.Username,
			AuthMethod:      sshpolicy.AuthMethod(in.AuthMethod),
			Password:        password,
			PrivateKey:      in.PrivateKey,
			HostFingerprint: in.HostFingerprint,
			Timeout:         r.sshTimeout,
		}
	}
	writeJSON(w, http.StatusOK, r.ssh.Test(req.Context(), cfg))
}
