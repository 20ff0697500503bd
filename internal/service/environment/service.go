// Package environment drives the environment lifecycle: creation with serialized
// resource allocation, status reconciliation against the container runtime, and
// transparent delegation of worker-bound environments.
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/internal/service/allocator"
	"github.com/hololee/Lyra/internal/service/launch"
	"github.com/hololee/Lyra/internal/service/worker"
)

// Runtime is the container runtime used for host-managed environments.
type Runtime interface {
	InspectContainer(ctx context.Context, name string) (docker.ContainerState, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
	BoundHostPorts(ctx context.Context) ([]int, error)
}

// GPUInventory reports the number of GPUs on this node.
type GPUInventory interface {
	TotalGPUs(ctx context.Context) (int, error)
}

// Enqueuer hands an environment to the provisioning executor.
type Enqueuer interface {
	Enqueue(ctx context.Context, environmentID string) error
}

// Workers is the subset of the worker registry used for delegation.
type Workers interface {
	Get(ctx context.Context, id string) (*domain.WorkerServer, error)
	EnsureHealthy(ctx context.Context, id string) (*domain.WorkerServer, error)
	RefreshHealth(ctx context.Context, w *domain.WorkerServer, useCache, persist bool) worker.HealthResult
	Call(ctx context.Context, w *domain.WorkerServer, method, path string, payload any) (map[string]any, error)
}

// Cipher encrypts root passwords at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
}

// DefaultInsertRetries bounds attempts after a port uniqueness violation.
const DefaultInsertRetries = 8

// LogTail is the number of log lines returned by Logs.
const LogTail = 50

// Service is the environment lifecycle manager.
type Service struct {
	envs          repository.EnvironmentRepository
	settings      repository.SettingsRepository
	alloc         *allocator.Allocator
	runtime       Runtime
	gpus          GPUInventory
	queue         Enqueuer
	workers       Workers
	cipher        Cipher
	tickets       *launch.Store
	log           *slog.Logger
	insertRetries int
}

// Deps bundles the collaborators of the service. Runtime and Workers may be nil.
type Deps struct {
	Environments  repository.EnvironmentRepository
	Settings      repository.SettingsRepository
	Allocator     *allocator.Allocator
	Runtime       Runtime
	GPUs          GPUInventory
	Queue         Enqueuer
	Workers       Workers
	Cipher        Cipher
	Tickets       *launch.Store
	Logger        *slog.Logger
	InsertRetries int
}

// New constructs the lifecycle service.
func New(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	retries := d.InsertRetries
	if retries <= 0 {
		retries = DefaultInsertRetries
	}
	tickets := d.Tickets
	if tickets == nil {
		tickets = launch.NewStore(launch.DefaultTTL)
	}
	alloc := d.Allocator
	if alloc == nil {
		var live allocator.LivePorts
		if d.Runtime != nil {
			live = d.Runtime
		}
		alloc = allocator.New(live, log)
	}
	return &Service{
		envs:          d.Environments,
		settings:      d.Settings,
		alloc:         alloc,
		runtime:       d.Runtime,
		gpus:          d.GPUs,
		queue:         d.Queue,
		workers:       d.Workers,
		cipher:        d.Cipher,
		tickets:       tickets,
		log:           log,
		insertRetries: retries,
	}
}

// View is an environment as presented to API clients, with the reconciled status.
type View struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Status              string               `json:"status"`
	ContainerUser       string               `json:"container_user"`
	GPUIndices          []int                `json:"gpu_indices"`
	SSHPort             int                  `json:"ssh_port"`
	JupyterPort         int                  `json:"jupyter_port"`
	CodePort            int                  `json:"code_port"`
	EnableJupyter       bool                 `json:"enable_jupyter"`
	EnableCodeServer    bool                 `json:"enable_code_server"`
	MountConfig         []domain.MountConfig `json:"mount_config"`
	DockerfileContent   string               `json:"dockerfile_content"`
	CustomPorts         []domain.PortMapping `json:"custom_ports"`
	WorkerServerID      *string              `json:"worker_server_id"`
	WorkerServerName    *string              `json:"worker_server_name"`
	WorkerServerBaseURL *string              `json:"worker_server_base_url"`
	WorkerErrorCode     *string              `json:"worker_error_code"`
	WorkerErrorMessage  *string              `json:"worker_error_message"`
	ContainerID         *string              `json:"container_id"`
	CreatedAt           time.Time            `json:"created_at"`
}

func newView(env *domain.Environment, custom []domain.PortMapping) View {
	gpus := env.GPUIndices
	if gpus == nil {
		gpus = []int{}
	}
	mounts := env.MountConfig
	if mounts == nil {
		mounts = []domain.MountConfig{}
	}
	if custom == nil {
		custom = []domain.PortMapping{}
	}
	return View{
		ID:                env.ID,
		Name:              env.Name,
		Status:            string(env.Status),
		ContainerUser:     env.ContainerUser,
		GPUIndices:        gpus,
		SSHPort:           env.SSHPort,
		JupyterPort:       env.JupyterPort,
		CodePort:          env.CodePort,
		EnableJupyter:     env.EnableJupyter,
		EnableCodeServer:  env.EnableCodeServer,
		MountConfig:       mounts,
		DockerfileContent: env.DockerfileContent,
		CustomPorts:       custom,
		WorkerServerID:    env.WorkerServerID,
		CreatedAt:         env.CreatedAt,
	}
}

func strPtr(s string) *string { return &s }

func shortID(id string) *string {
	if id == "" {
		return nil
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return &id
}

func notFound() error {
	return apperr.NotFound("environment_not_found", "environment not found")
}

func isNotFoundErr(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

func (s *Service) load(ctx context.Context, id string) (*domain.Environment, error) {
	env, err := s.envs.GetEnvironment(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound()
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

func (s *Service) setStatus(ctx context.Context, env *domain.Environment, status domain.EnvironmentStatus) {
	if err := s.envs.UpdateEnvironmentStatus(ctx, env.ID, status); err != nil {
		s.log.Warn("update environment status failed", "environment_id", env.ID, "status", status, "error", err)
		return
	}
	env.Status = status
}

// customPorts reads the persisted custom port mappings. Unreadable records yield none.
func (s *Service) customPorts(ctx context.Context, envID string) []domain.PortMapping {
	raw, err := s.settings.GetSetting(ctx, domain.CustomPortsKey(envID))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("read custom ports failed", "environment_id", envID, "error", err)
		}
		return nil
	}
	return decodePortMappings(raw)
}

func decodePortMappings(raw string) []domain.PortMapping {
	var mappings []domain.PortMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		return nil
	}
	out := mappings[:0]
	for _, m := range mappings {
		if m.HostPort > 0 && m.ContainerPort > 0 {
			out = append(out, m)
		}
	}
	return out
}

// remoteError converts a failed worker call, preserving the worker's status code.
func remoteError(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.BadGateway("worker_request_failed", "worker request failed").Wrap(err)
}
