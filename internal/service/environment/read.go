package environment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/service/worker"
)

// Get returns one environment with its reconciled status.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	view := newView(env, s.customPorts(ctx, env.ID))
	if env.Remote() {
		s.refreshRemote(ctx, &view, env, nil)
	} else {
		s.reconcileLocal(ctx, &view, env)
	}
	return &view, nil
}

// List returns every environment. Each worker's health is checked at most once.
func (s *Service) List(ctx context.Context) ([]View, error) {
	envs, err := s.envs.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	custom, err := s.settings.ListSettings(ctx, domain.SettingCustomPortsPrefix)
	if err != nil {
		s.log.Warn("list custom ports failed", "error", err)
		custom = map[string]string{}
	}
	health := make(map[string]*workerHealth)
	out := make([]View, 0, len(envs))
	for i := range envs {
		env := &envs[i]
		view := newView(env, decodePortMappings(custom[domain.CustomPortsKey(env.ID)]))
		if env.Remote() {
			s.refreshRemote(ctx, &view, env, health)
		} else {
			s.reconcileLocal(ctx, &view, env)
		}
		out = append(out, view)
	}
	return out, nil
}

type workerHealth struct {
	worker  *domain.WorkerServer
	err     error
	healthy bool
	message string
}

// reconcileLocal resolves the status against the container runtime. Runtime
// failures fall back to the recorded status.
func (s *Service) reconcileLocal(ctx context.Context, view *View, env *domain.Environment) {
	if s.runtime == nil {
		return
	}
	state, err := s.runtime.InspectContainer(ctx, env.ContainerName())
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			switch env.Status {
			case domain.StatusRunning, domain.StatusStopping, domain.StatusStarting:
				view.Status = string(domain.StatusStopped)
			}
			return
		}
		s.log.Warn("container status lookup failed, using recorded status", "environment_id", env.ID, "error", err)
		return
	}
	view.ContainerID = shortID(state.ID)
	view.Status = string(ResolveStatus(env.Status, state))
}

// refreshRemote fills the view from the worker. An unreachable worker reports
// unknown without touching the stored row.
func (s *Service) refreshRemote(ctx context.Context, view *View, env *domain.Environment, cache map[string]*workerHealth) {
	unknown := func(code, msg string) {
		view.Status = string(domain.StatusUnknown)
		view.WorkerErrorCode = strPtr(code)
		view.WorkerErrorMessage = strPtr(msg)
		view.ContainerID = nil
	}
	if s.workers == nil {
		unknown("worker_not_found", "Worker server not found")
		return
	}
	workerID := *env.WorkerServerID

	var w *domain.WorkerServer
	if cache != nil {
		h, ok := cache[workerID]
		if !ok {
			h = &workerHealth{}
			h.worker, h.err = s.workers.Get(ctx, workerID)
			if h.err == nil {
				result := s.workers.RefreshHealth(ctx, h.worker, true, false)
				h.healthy = result.Healthy()
				h.message = result.Message
			}
			cache[workerID] = h
		}
		if h.err != nil {
			unknown("worker_not_found", "Worker server not found")
			return
		}
		w = h.worker
		view.WorkerServerName = strPtr(w.Name)
		view.WorkerServerBaseURL = strPtr(w.BaseURL)
		if !h.healthy {
			msg := h.message
			if msg == "" {
				msg = "Worker server is unreachable"
			}
			unknown("worker_health_"+string(w.LastHealthStatus), msg)
			return
		}
	} else {
		var err error
		w, err = s.workers.Get(ctx, workerID)
		if err != nil {
			unknown("worker_not_found", "Worker server not found")
			return
		}
		view.WorkerServerName = strPtr(w.Name)
		view.WorkerServerBaseURL = strPtr(w.BaseURL)
	}

	remote, err := s.workers.Call(ctx, w, http.MethodGet, "/api/worker/environments/"+env.ID, nil)
	if err != nil {
		code, msg := "worker_request_failed", err.Error()
		if e, ok := apperr.As(err); ok {
			code, msg = e.Code, e.Message
		}
		unknown(code, msg)
		return
	}
	if status, ok := remote["status"].(string); ok && status != "" {
		view.Status = status
	}
	if cid, ok := remote["container_id"].(string); ok {
		view.ContainerID = shortID(cid)
	}
}

// remoteAbsent reports whether the worker confirms the environment no longer exists.
func (s *Service) remoteAbsent(ctx context.Context, w *domain.WorkerServer, id string) bool {
	_, err := s.workers.Call(ctx, w, http.MethodGet, "/api/worker/environments/"+id, nil)
	return err != nil && worker.IsRemoteNotFound(err)
}
