package sshpolicy

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/hololee/Lyra/internal/repository"
)

type testServer struct {
	addr         string
	port         int
	hostKey      ssh.Signer
	authAttempts atomic.Int32
}

func startServer(t *testing.T, password string) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	srv := &testServer{hostKey: signer}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("denied")
		},
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			srv.authAttempts.Add(1)
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	srv.addr = ln.Addr().String()
	srv.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					_ = ch.Reject(ssh.Prohibited, "no channels")
				}
			}(conn)
		}
	}()
	return srv
}

func newTestPolicy(t *testing.T, mode TrustMode) *Policy {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	return New(mode, path, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *testServer) config(password, fingerprint string) Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            s.port,
		Username:        "root",
		AuthMethod:      AuthPassword,
		Password:        password,
		HostFingerprint: fingerprint,
		Timeout:         5 * time.Second,
	}
}

func codeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func TestFingerprintMismatchNeverAuthenticates(t *testing.T) {
	srv := startServer(t, "pw")
	p := newTestPolicy(t, TrustAcceptNew)
	wrong := "SHA256:" + strings.Repeat("A", 43)
	_, err := p.Connect(context.Background(), srv.config("pw", wrong))
	if codeOf(err) != CodeHostKeyMismatch {
		t.Fatalf("expected %s, got %v", CodeHostKeyMismatch, err)
	}
	if !strings.Contains(err.Error(), "expected="+wrong) || !strings.Contains(err.Error(), "actual="+ssh.FingerprintSHA256(srv.hostKey.PublicKey())) {
		t.Fatalf("unexpected mismatch message: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.authAttempts.Load(); n != 0 {
		t.Fatalf("expected no authentication attempts, got %d", n)
	}
}

func TestFingerprintMatchAuthenticates(t *testing.T) {
	srv := startServer(t, "pw")
	p := newTestPolicy(t, TrustReject)
	for _, fp := range []string{
		ssh.FingerprintSHA256(srv.hostKey.PublicKey()),
		"MD5:" + ssh.FingerprintLegacyMD5(srv.hostKey.PublicKey()),
	} {
		client, err := p.Connect(context.Background(), srv.config("pw", fp))
		if err != nil {
			t.Fatalf("connect with %s: %v", fp, err)
		}
		_ = client.Close()
	}
}

func TestWrongPasswordIsAuthFailure(t *testing.T) {
	srv := startServer(t, "pw")
	p := newTestPolicy(t, TrustReject)
	_, err := p.Connect(context.Background(), srv.config("nope", ssh.FingerprintSHA256(srv.hostKey.PublicKey())))
	if codeOf(err) != CodeAuthFailed {
		t.Fatalf("expected %s, got %v", CodeAuthFailed, err)
	}
}

func TestRejectModeRefusesUnknownHost(t *testing.T) {
	srv := startServer(t, "pw")
	p := newTestPolicy(t, TrustReject)
	_, err := p.Connect(context.Background(), srv.config("pw", ""))
	if codeOf(err) != CodeHostKeyUntrusted {
		t.Fatalf("expected %s, got %v", CodeHostKeyUntrusted, err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.authAttempts.Load(); n != 0 {
		t.Fatalf("untrusted host should not see credentials, got %d attempts", n)
	}
}

func TestAcceptNewRecordsHostKey(t *testing.T) {
	srv := startServer(t, "pw")
	p := newTestPolicy(t, TrustAcceptNew)
	client, err := p.Connect(context.Background(), srv.config("pw", ""))
	if err != nil {
		t.Fatalf("accept-new connect: %v", err)
	}
	_ = client.Close()

	raw, err := os.ReadFile(p.knownHostsPath)
	if err != nil || !strings.Contains(string(raw), "ssh-ed25519") {
		t.Fatalf("expected known hosts entry, got %q (%v)", raw, err)
	}

	strict := New(TrustReject, p.knownHostsPath, "", p.log)
	client, err = strict.Connect(context.Background(), srv.config("pw", ""))
	if err != nil {
		t.Fatalf("reject mode with recorded key: %v", err)
	}
	_ = client.Close()
}

func TestKnownHostMismatch(t *testing.T) {
	srv := startServer(t, "pw")
	other := startServer(t, "pw")
	p := newTestPolicy(t, TrustAcceptNew)
	line := "[127.0.0.1]:" + strconv.Itoa(srv.port) + " " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(other.hostKey.PublicKey())))
	if err := os.WriteFile(p.knownHostsPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known hosts: %v", err)
	}
	_, err := p.Connect(context.Background(), srv.config("pw", ""))
	if codeOf(err) != CodeHostKeyMismatch {
		t.Fatalf("expected %s, got %v", CodeHostKeyMismatch, err)
	}
}

func TestConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	p := newTestPolicy(t, TrustReject)
	_, err = p.Connect(context.Background(), Config{Host: "127.0.0.1", Port: port, Username: "root", Password: "x", Timeout: time.Second})
	if codeOf(err) != CodeConnectionFailed {
		t.Fatalf("expected %s, got %v", CodeConnectionFailed, err)
	}
}

func TestParseFingerprint(t *testing.T) {
	fp, err := ParseFingerprint("sha256:abcd==")
	if err != nil || !fp.SHA256 || fp.String() != "SHA256:abcd" {
		t.Fatalf("unexpected sha256 parse: %+v (%v)", fp, err)
	}
	sum := md5.Sum([]byte("x"))
	fp, err = ParseFingerprint("MD5:" + strings.ToUpper(hex.EncodeToString(sum[:])))
	if err != nil || fp.SHA256 || len(strings.Split(fp.Value, ":")) != 16 {
		t.Fatalf("unexpected md5 parse: %+v (%v)", fp, err)
	}
	for _, bad := range []string{"SHA256:", "SHA256:!!!", "md5:abc", "zz:zz"} {
		if _, err := ParseFingerprint(bad); codeOf(err) != CodeHostKeyInvalidFingerprint {
			t.Fatalf("%q: expected invalid fingerprint, got %v", bad, err)
		}
	}
}

func TestParsePrivateKeyFormats(t *testing.T) {
	_, edPriv, _ := ed25519.GenerateKey(rand.Reader)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(edPriv)
	if err != nil {
		t.Fatalf("marshal ed25519: %v", err)
	}
	if _, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))); err != nil {
		t.Fatalf("ed25519 pkcs8: %v", err)
	}
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshal ec: %v", err)
	}
	if _, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: ecDER}))); err != nil {
		t.Fatalf("ecdsa: %v", err)
	}
	openssh, err := ssh.MarshalPrivateKey(edPriv, "")
	if err != nil {
		t.Fatalf("marshal openssh: %v", err)
	}
	if _, err := ParsePrivateKey(string(pem.EncodeToMemory(openssh))); err != nil {
		t.Fatalf("openssh: %v", err)
	}
	if _, err := ParsePrivateKey("not a key"); codeOf(err) != CodePrivateKeyInvalid {
		t.Fatalf("expected %s, got %v", CodePrivateKeyInvalid, err)
	}
}

func TestResolveHost(t *testing.T) {
	p := New(TrustReject, "/tmp/kh", "host.docker.internal", nil)
	if got := p.ResolveHost("localhost"); got != "host.docker.internal" {
		t.Fatalf("expected alias, got %s", got)
	}
	if got := p.ResolveHost("10.0.0.5"); got != "10.0.0.5" {
		t.Fatalf("expected passthrough, got %s", got)
	}
}

type mapSettings map[string]string

func (m mapSettings) GetSetting(ctx context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

type plainCipher struct{}

func (plainCipher) Decrypt(token string) (string, error) { return strings.TrimPrefix(token, "enc:"), nil }

func TestLoadHostConfig(t *testing.T) {
	_, err := LoadHostConfig(context.Background(), mapSettings{SettingHost: "gpu-1"}, plainCipher{}, time.Second)
	if codeOf(err) != CodeHostNotConfigured {
		t.Fatalf("expected %s, got %v", CodeHostNotConfigured, err)
	}
	cfg, err := LoadHostConfig(context.Background(), mapSettings{
		SettingHost:     "gpu-1",
		SettingUsername: "ops",
		SettingPassword: "enc:pw",
	}, plainCipher{}, time.Second)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 22 || cfg.AuthMethod != AuthPassword || cfg.Password != "pw" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestResultFromError(t *testing.T) {
	res := ResultFromError(newError(CodeAuthFailed, "bad creds", nil))
	if res.Status != "error" || res.Code != CodeAuthFailed || res.Message != "bad creds" {
		t.Fatalf("unexpected result %+v", res)
	}
}
