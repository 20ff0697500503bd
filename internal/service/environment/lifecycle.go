package environment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/internal/service/worker"
)

// ActionResult is the outcome of a start or stop request.
type ActionResult map[string]any

func message(format string, args ...any) ActionResult {
	return ActionResult{"message": fmt.Sprintf(format, args...)}
}

func (s *Service) runtimeUnavailable() error {
	return apperr.Unavailable("container_runtime_unavailable", "container runtime is not available on this node")
}

// Start starts the environment's container. Starting a running container is a no-op.
func (s *Service) Start(ctx context.Context, id string) (ActionResult, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Remote() {
		res, err := s.remoteAction(ctx, env, "start", domain.StatusRunning)
		observeAction("start", true, err)
		return res, err
	}
	res, err := s.startLocal(ctx, env)
	observeAction("start", false, err)
	return res, err
}

func (s *Service) startLocal(ctx context.Context, env *domain.Environment) (ActionResult, error) {
	if s.runtime == nil {
		return nil, s.runtimeUnavailable()
	}
	name := env.ContainerName()
	state, err := s.runtime.InspectContainer(ctx, name)
	if err == nil && state.Running {
		s.setStatus(ctx, env, domain.StatusRunning)
		return message("Environment is already running"), nil
	}
	if err == nil {
		s.setStatus(ctx, env, domain.StatusStarting)
		err = s.runtime.StartContainer(ctx, name)
	}
	if err != nil {
		s.setStatus(ctx, env, domain.StatusError)
		if errors.Is(err, docker.ErrNotFound) {
			return nil, apperr.Conflict("container_not_found", "Container not found. Please recreate the environment.")
		}
		return nil, apperr.Internal("container_start_failed", err.Error()).Wrap(err)
	}
	s.setStatus(ctx, env, domain.StatusRunning)
	s.log.Info("environment started", "environment_id", env.ID)
	return message("Environment %s started", env.Name), nil
}

// Stop stops the environment's container without a grace period.
func (s *Service) Stop(ctx context.Context, id string) (ActionResult, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Remote() {
		res, err := s.remoteAction(ctx, env, "stop", domain.StatusStopping)
		observeAction("stop", true, err)
		return res, err
	}
	res, err := s.stopLocal(ctx, env)
	observeAction("stop", false, err)
	return res, err
}

func (s *Service) stopLocal(ctx context.Context, env *domain.Environment) (ActionResult, error) {
	if s.runtime == nil {
		return nil, s.runtimeUnavailable()
	}
	name := env.ContainerName()
	state, err := s.runtime.InspectContainer(ctx, name)
	if err == nil && !state.Running {
		s.setStatus(ctx, env, domain.StatusStopped)
		return message("Environment is already stopped"), nil
	}
	if err == nil {
		s.setStatus(ctx, env, domain.StatusStopping)
		err = s.runtime.StopContainer(ctx, name)
	}
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			s.setStatus(ctx, env, domain.StatusStopped)
			return message("Container not found. Environment marked as stopped."), nil
		}
		s.setStatus(ctx, env, domain.StatusError)
		return nil, apperr.Internal("container_stop_failed", err.Error()).Wrap(err)
	}
	s.log.Info("environment stopping", "environment_id", env.ID)
	return message("Environment %s is stopping", env.Name), nil
}

// remoteAction proxies start or stop to the owning worker. A proxy failure
// marks the shadow row as error.
func (s *Service) remoteAction(ctx context.Context, env *domain.Environment, action string, next domain.EnvironmentStatus) (ActionResult, error) {
	w, err := s.readyWorker(ctx, env)
	if err != nil {
		return nil, err
	}
	res, err := s.workers.Call(ctx, w, http.MethodPost, "/api/worker/environments/"+env.ID+"/"+action, nil)
	if err != nil {
		s.setStatus(ctx, env, domain.StatusError)
		return nil, remoteError(err)
	}
	s.setStatus(ctx, env, next)
	return ActionResult(res), nil
}

func (s *Service) readyWorker(ctx context.Context, env *domain.Environment) (*domain.WorkerServer, error) {
	if s.workers == nil {
		return nil, apperr.NotFound("worker_not_found", "worker server not found")
	}
	return s.workers.EnsureHealthy(ctx, *env.WorkerServerID)
}

// Delete removes the environment on its worker, its local container and finally
// the row with its side records. force continues past remote failures.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	env, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	err = s.delete(ctx, env, force)
	observeAction("delete", env.Remote(), err)
	return err
}

func (s *Service) delete(ctx context.Context, env *domain.Environment, force bool) error {
	remoteDeleted := false
	if env.Remote() {
		s.log.Info("delete stage remote started", "environment_id", env.ID, "worker_id", *env.WorkerServerID, "force", force)
		var err error
		remoteDeleted, err = s.deleteRemote(ctx, env, force)
		if err != nil {
			return err
		}
	}

	if s.runtime != nil {
		if err := s.runtime.RemoveContainer(ctx, env.ContainerName()); err != nil {
			if !env.Remote() {
				return apperr.Internal("container_delete_failed", fmt.Sprintf("Failed to remove container: %v", err)).Wrap(err)
			}
			s.log.Warn("remove local container of delegated environment failed", "environment_id", env.ID, "error", err)
		}
	} else if !env.Remote() {
		return s.runtimeUnavailable()
	}

	s.log.Info("delete stage local-db started", "environment_id", env.ID)
	if err := s.envs.DeleteEnvironment(ctx, env.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Error("delete stage local-db failed", "environment_id", env.ID, "error", err)
		if remoteDeleted {
			return apperr.Internal("local_cleanup_failed", "Worker environment was deleted, but local cleanup failed. Retry delete with force.").Wrap(err)
		}
		return fmt.Errorf("delete environment: %w", err)
	}
	s.log.Info("environment deleted", "environment_id", env.ID)
	return nil
}

func (s *Service) deleteRemote(ctx context.Context, env *domain.Environment, force bool) (bool, error) {
	path := "/api/worker/environments/" + env.ID
	if force {
		if s.workers == nil {
			return false, nil
		}
		w, err := s.workers.Get(ctx, *env.WorkerServerID)
		if err != nil {
			s.log.Warn("forced delete without worker record", "environment_id", env.ID, "error", err)
			return false, nil
		}
		if _, err := s.workers.Call(ctx, w, http.MethodDelete, path, nil); err != nil {
			s.log.Warn("forced delete ignoring remote failure", "environment_id", env.ID, "error", err)
			return false, nil
		}
		return true, nil
	}

	w, err := s.readyWorker(ctx, env)
	if err != nil {
		return false, err
	}
	_, err = s.workers.Call(ctx, w, http.MethodDelete, path, nil)
	if err == nil {
		return true, nil
	}
	if worker.IsRemoteNotFound(err) {
		s.log.Info("worker environment already missing, continuing local cleanup", "environment_id", env.ID)
		return true, nil
	}
	if s.remoteAbsent(ctx, w, env.ID) {
		s.log.Info("worker environment absent after delete error, continuing local cleanup", "environment_id", env.ID)
		return true, nil
	}
	return false, remoteError(err)
}

// LogsResult carries log text for display.
type LogsResult struct {
	Logs string `json:"logs"`
}

// Logs returns recent container output, or the build failure when no container exists.
func (s *Service) Logs(ctx context.Context, id string) (*LogsResult, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Remote() {
		w, err := s.readyWorker(ctx, env)
		if err != nil {
			return nil, err
		}
		res, err := s.workers.Call(ctx, w, http.MethodGet, "/api/worker/environments/"+env.ID+"/logs", nil)
		if err != nil {
			return nil, remoteError(err)
		}
		text, _ := res["logs"].(string)
		return &LogsResult{Logs: text}, nil
	}
	if s.runtime == nil {
		return nil, s.runtimeUnavailable()
	}

	name := env.ContainerName()
	state, err := s.runtime.InspectContainer(ctx, name)
	if errors.Is(err, docker.ErrNotFound) {
		return &LogsResult{Logs: s.missingContainerLogs(ctx, env)}, nil
	}
	if err != nil {
		return nil, apperr.Internal("container_logs_failed", err.Error()).Wrap(err)
	}
	text, err := s.runtime.ContainerLogs(ctx, name, LogTail)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return &LogsResult{Logs: s.missingContainerLogs(ctx, env)}, nil
		}
		return nil, apperr.Internal("container_logs_failed", err.Error()).Wrap(err)
	}
	text = strings.TrimSpace(text)
	summary := StateSummary(state)
	if text == "" {
		return &LogsResult{Logs: summary + "\n\nNo logs produced by this container."}, nil
	}
	if env.Status == domain.StatusError || state.Status == "exited" || state.Status == "dead" {
		return &LogsResult{Logs: summary + "\n\n[Recent Logs]\n" + text}, nil
	}
	return &LogsResult{Logs: text}, nil
}

func (s *Service) missingContainerLogs(ctx context.Context, env *domain.Environment) string {
	if env.Status != domain.StatusError {
		return "Container not found. It may have been removed or not started yet."
	}
	const prefix = "No container was created for this environment. Build may have failed before container start."
	detail, err := s.settings.GetSetting(ctx, domain.BuildErrorKey(env.ID))
	if err == nil && strings.TrimSpace(detail) != "" {
		return prefix + "\n\n[Build Failure Details]\n" + strings.TrimSpace(detail)
	}
	return prefix + " Check provisioner logs for the full build error."
}

// StateSummary renders a one-block diagnostic of a container's state.
func StateSummary(state docker.ContainerState) string {
	status := state.StateStatus
	if status == "" {
		status = state.Status
	}
	if status == "" {
		status = "unknown"
	}
	exit := "unknown"
	if state.ExitCode != nil {
		exit = fmt.Sprint(*state.ExitCode)
	}
	lines := []string{
		"[Container Diagnostics]",
		"Status: " + status,
		"ExitCode: " + exit,
		fmt.Sprintf("OOMKilled: %t", state.OOMKilled),
	}
	if msg := strings.TrimSpace(state.Error); msg != "" {
		lines = append(lines, "Error: "+msg)
	}
	return strings.Join(lines, "\n")
}
