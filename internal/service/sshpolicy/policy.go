// Package sshpolicy opens verified SSH sessions: known-hosts trust, fingerprint
// pinning checked before any credential leaves the process, and a small stable
// error taxonomy.
package sshpolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// TrustMode controls how unknown host keys are handled when no fingerprint is pinned.
type TrustMode string

const (
	TrustReject    TrustMode = "reject"
	TrustAcceptNew TrustMode = "accept-new"
)

// ParseTrustMode maps configuration text to a mode, defaulting to reject.
func ParseTrustMode(raw string) TrustMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(TrustAcceptNew)) {
		return TrustAcceptNew
	}
	return TrustReject
}

const defaultTimeout = 10 * time.Second

// Config is a validated connection request.
type Config struct {
	Host            string
	Port            int
	Username        string
	AuthMethod      AuthMethod
	Password        string
	PrivateKey      string
	HostFingerprint string
	Timeout         time.Duration
}

// Policy opens SSH connections under a host-key trust mode.
type Policy struct {
	mode           TrustMode
	knownHostsPath string
	hostAlias      string
	log            *slog.Logger
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)

	// serializes writes to the known hosts file
	mu sync.Mutex
}

// New constructs a policy. An empty knownHostsPath uses ~/.ssh/known_hosts; an empty
// hostAlias disables the loopback rewrite.
func New(mode TrustMode, knownHostsPath, hostAlias string, log *slog.Logger) *Policy {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(knownHostsPath) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	d := &net.Dialer{}
	return &Policy{
		mode:           mode,
		knownHostsPath: knownHostsPath,
		hostAlias:      strings.TrimSpace(hostAlias),
		log:            log,
		dial:           d.DialContext,
	}
}

// ResolveHost rewrites loopback names to the container-host alias.
func (p *Policy) ResolveHost(host string) string {
	host = strings.TrimSpace(host)
	if p.hostAlias == "" {
		return host
	}
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1":
		return p.hostAlias
	}
	return host
}

// Connect dials, verifies the host key and authenticates. With a pinned fingerprint
// the key is compared during key exchange, so a mismatch aborts before authentication.
func (p *Policy) Connect(ctx context.Context, cfg Config) (*ssh.Client, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Username) == "" {
		return nil, newError(CodeHostNotConfigured, "SSH host and username are required", nil)
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	var expected *Fingerprint
	if strings.TrimSpace(cfg.HostFingerprint) != "" {
		fp, err := ParseFingerprint(cfg.HostFingerprint)
		if err != nil {
			return nil, err
		}
		expected = &fp
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	// policyErr records why host key verification rejected the server.
	var policyErr *Error
	var hostKeyCallback ssh.HostKeyCallback
	if expected != nil {
		hostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if expected.Matches(key) {
				return nil
			}
			policyErr = newError(CodeHostKeyMismatch,
				fmt.Sprintf("Host key mismatch. expected=%s, actual=%s", expected.String(), expected.Of(key)), nil)
			return policyErr
		}
	} else {
		cb, err := p.trustCallback(&policyErr)
		if err != nil {
			return nil, newError(CodeConnectionFailed, "could not load known hosts", err)
		}
		hostKeyCallback = cb
	}

	addr := net.JoinHostPort(p.ResolveHost(cfg.Host), strconv.Itoa(cfg.Port))
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, err := p.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, newError(CodeConnectionFailed, fmt.Sprintf("could not connect to %s", addr), err)
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		if policyErr != nil {
			p.log.Warn("ssh host key rejected", "addr", addr, "code", policyErr.Code)
			return nil, policyErr
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, newError(CodeAuthFailed, fmt.Sprintf("authentication failed for %s@%s", cfg.Username, addr), err)
		}
		return nil, newError(CodeConnectionFailed, fmt.Sprintf("SSH handshake with %s failed", addr), err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	switch cfg.AuthMethod {
	case AuthKey:
		if strings.TrimSpace(cfg.PrivateKey) == "" {
			return nil, newError(CodePrivateKeyInvalid, "private key is required for key authentication", nil)
		}
		signer, err := ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case AuthPassword, "":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	default:
		return nil, newError(CodeAuthFailed, fmt.Sprintf("unsupported auth method %q", cfg.AuthMethod), nil)
	}
}

// trustCallback verifies keys against known hosts. Unknown hosts are recorded in
// accept-new mode and refused in reject mode.
func (p *Policy) trustCallback(policyErr **Error) (ssh.HostKeyCallback, error) {
	if p.knownHostsPath == "" {
		return nil, errors.New("known hosts path is not configured")
	}
	if err := ensureFile(p.knownHostsPath); err != nil {
		return nil, err
	}
	check, err := knownhosts.New(p.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			*policyErr = newError(CodeHostKeyMismatch,
				fmt.Sprintf("Host key mismatch. expected=%s, actual=%s", ssh.FingerprintSHA256(keyErr.Want[0].Key), ssh.FingerprintSHA256(key)), nil)
			return *policyErr
		}
		if p.mode != TrustAcceptNew {
			*policyErr = newError(CodeHostKeyUntrusted,
				fmt.Sprintf("host key for %s is not trusted (%s)", hostname, ssh.FingerprintSHA256(key)), nil)
			return *policyErr
		}
		if err := p.appendKnownHost(hostname, key); err != nil {
			p.log.Warn("record known host failed", "host", hostname, "error", err)
		}
		return nil
	}, nil
}

func (p *Policy) appendKnownHost(hostname string, key ssh.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.knownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = f.WriteString(line + "\n")
	return err
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	return f.Close()
}
