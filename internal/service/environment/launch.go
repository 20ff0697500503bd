package environment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/service/launch"
)

// LaunchURL is the ticket path handed to the browser.
type LaunchURL struct {
	LaunchURL string `json:"launch_url"`
}

// ServiceLaunch is how a worker exposes a service: a port and a path on that port.
type ServiceLaunch struct {
	Port      int    `json:"port"`
	LaunchURL string `json:"launch_url"`
}

func launchPath(envID string, kind launch.Kind) string {
	return fmt.Sprintf("/api/environments/%s/%s/launch", envID, kind)
}

func workerLaunchPath(envID string, kind launch.Kind) string {
	return "/api/worker" + strings.TrimPrefix(launchPath(envID, kind), "/api")
}

func checkEnabled(env *domain.Environment, kind launch.Kind) error {
	if kind == launch.KindJupyter && !env.EnableJupyter {
		return apperr.Conflict("jupyter_disabled", "Jupyter is disabled for this environment")
	}
	if kind == launch.KindCode && !env.EnableCodeServer {
		return apperr.Conflict("code_server_disabled", "code-server is disabled for this environment")
	}
	return nil
}

// CreateLaunch issues a single-use launch ticket for the environment's service.
func (s *Service) CreateLaunch(ctx context.Context, id string, kind launch.Kind) (*LaunchURL, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkEnabled(env, kind); err != nil {
		return nil, err
	}

	redirect := ""
	if env.Remote() {
		w, err := s.readyWorker(ctx, env)
		if err != nil {
			return nil, err
		}
		res, err := s.workers.Call(ctx, w, http.MethodPost, workerLaunchPath(env.ID, kind), nil)
		if err != nil {
			return nil, remoteError(err)
		}
		path, _ := res["launch_url"].(string)
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, apperr.BadGateway("worker_api_mismatch", "Worker launch URL response is invalid")
		}
		redirect = resolveRemoteLaunch(w.BaseURL, parsePort(res["port"]), path)
	} else {
		if err := s.requireRunning(ctx, env); err != nil {
			return nil, err
		}
		if kind == launch.KindJupyter {
			if _, err := s.jupyterToken(ctx, env); err != nil {
				return nil, err
			}
		}
	}

	ticket, err := s.tickets.Issue(env.ID, kind, redirect)
	if err != nil {
		return nil, err
	}
	return &LaunchURL{LaunchURL: launchPath(env.ID, kind) + "/" + ticket.Token}, nil
}

// RedeemLaunch resolves a ticket into its redirect target and consumes it. A
// redemption that fails leaves the ticket usable. scheme and host describe how the
// client reached this node.
func (s *Service) RedeemLaunch(ctx context.Context, id, token string, kind launch.Kind, scheme, host string) (string, error) {
	ticket, err := s.tickets.Validate(token, id, kind)
	if err != nil {
		return "", err
	}
	target, err := s.launchTarget(ctx, id, kind, ticket, scheme, host)
	if err != nil {
		return "", err
	}
	if err := s.tickets.MarkUsed(token, id, kind); err != nil {
		return "", err
	}
	return target, nil
}

func (s *Service) launchTarget(ctx context.Context, id string, kind launch.Kind, ticket launch.Ticket, scheme, host string) (string, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	if err := checkEnabled(env, kind); err != nil {
		return "", err
	}
	if env.Remote() && ticket.RedirectURL != "" {
		return ticket.RedirectURL, nil
	}
	if err := s.requireRunning(ctx, env); err != nil {
		return "", err
	}
	if host == "" {
		host = "localhost"
	}
	if scheme == "" {
		scheme = "http"
	}
	if kind == launch.KindJupyter {
		token, err := s.jupyterToken(ctx, env)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s://%s/?token=%s", scheme, net.JoinHostPort(host, strconv.Itoa(env.JupyterPort)), url.QueryEscape(token)), nil
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(env.CodePort))), nil
}

// ServiceLaunch describes the service port and path for a host-managed environment.
// Workers return it so the main node can build the browser URL.
func (s *Service) ServiceLaunch(ctx context.Context, id string, kind launch.Kind) (*ServiceLaunch, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkEnabled(env, kind); err != nil {
		return nil, err
	}
	if err := s.requireRunning(ctx, env); err != nil {
		return nil, err
	}
	if kind == launch.KindJupyter {
		token, err := s.jupyterToken(ctx, env)
		if err != nil {
			return nil, err
		}
		return &ServiceLaunch{Port: env.JupyterPort, LaunchURL: "/?token=" + url.QueryEscape(token)}, nil
	}
	return &ServiceLaunch{Port: env.CodePort, LaunchURL: "/"}, nil
}

// requireRunning accepts a running environment, correcting a stale recorded status
// when the container is in fact running.
func (s *Service) requireRunning(ctx context.Context, env *domain.Environment) error {
	if env.Status == domain.StatusRunning {
		return nil
	}
	if s.runtime != nil {
		state, err := s.runtime.InspectContainer(ctx, env.ContainerName())
		switch {
		case err == nil && state.Running:
			s.setStatus(ctx, env, domain.StatusRunning)
			return nil
		case err != nil && !errors.Is(err, docker.ErrNotFound):
			s.log.Warn("runtime status check failed", "environment_id", env.ID, "error", err)
		}
	}
	return apperr.Conflict("environment_not_running", "Environment must be running")
}

func (s *Service) jupyterToken(ctx context.Context, env *domain.Environment) (string, error) {
	token, err := s.settings.GetSetting(ctx, domain.JupyterTokenKey(env.ID))
	if err != nil || strings.TrimSpace(token) == "" {
		if err != nil && !isNotFoundErr(err) {
			s.log.Warn("read jupyter token failed", "environment_id", env.ID, "error", err)
		}
		return "", apperr.Conflict("jupyter_token_missing", "Jupyter token is not configured. Recreate the environment.")
	}
	return strings.TrimSpace(token), nil
}

func parsePort(raw any) int {
	switch v := raw.(type) {
	case float64:
		if v > 0 && v <= 65535 && v == float64(int(v)) {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 && n <= 65535 {
			return n
		}
	}
	return 0
}

// resolveRemoteLaunch turns a worker launch response into an absolute URL.
func resolveRemoteLaunch(baseURL string, port int, path string) string {
	if port > 0 {
		return WorkerServiceURL(baseURL, port, path)
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(baseURL, "/") + path
}

// WorkerServiceURL builds <scheme>://<worker host>:<port><base path><launch path>,
// keeping the launch path's query and fragment.
func WorkerServiceURL(baseURL string, port int, launchPath string) string {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	target, perr := url.Parse(strings.TrimSpace(launchPath))
	if perr != nil {
		target = &url.URL{Path: launchPath}
	}
	path := target.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if err != nil || base.Scheme == "" || base.Hostname() == "" {
		out := strings.TrimRight(baseURL, "/") + path
		if target.RawQuery != "" {
			out += "?" + target.RawQuery
		}
		if target.Fragment != "" {
			out += "#" + target.Fragment
		}
		return out
	}
	host := base.Hostname()
	if port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u := url.URL{
		Scheme:   base.Scheme,
		User:     base.User,
		Host:     host,
		Path:     strings.TrimRight(base.Path, "/") + path,
		RawQuery: target.RawQuery,
		Fragment: target.Fragment,
	}
	return u.String()
}
