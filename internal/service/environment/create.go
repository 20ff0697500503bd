package environment

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/internal/service/allocator"
	"github.com/hololee/Lyra/pkg/crypto"
)

var nameExpr = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// CreateInput describes a new environment.
type CreateInput struct {
	Name               string               `json:"name"`
	ContainerUser      string               `json:"container_user"`
	RootPassword       string               `json:"root_password"`
	DockerfileContent  string               `json:"dockerfile_content"`
	EnableJupyter      *bool                `json:"enable_jupyter"`
	EnableCodeServer   *bool                `json:"enable_code_server"`
	MountConfig        []domain.MountConfig `json:"mount_config"`
	CustomPorts        []domain.PortMapping `json:"custom_ports"`
	GPUCount           int                  `json:"gpu_count"`
	SelectedGPUIndices []int                `json:"selected_gpu_indices"`
	WorkerServerID     *string              `json:"worker_server_id"`
}

func (in *CreateInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.ContainerUser = strings.TrimSpace(in.ContainerUser)
	if in.ContainerUser == "" {
		in.ContainerUser = "root"
	}
	if in.RootPassword == "" {
		in.RootPassword = "admin"
	}
	if in.EnableJupyter == nil {
		in.EnableJupyter = boolPtr(true)
	}
	if in.EnableCodeServer == nil {
		in.EnableCodeServer = boolPtr(true)
	}
	if in.WorkerServerID != nil && strings.TrimSpace(*in.WorkerServerID) == "" {
		in.WorkerServerID = nil
	}
	for i := range in.MountConfig {
		if in.MountConfig[i].Mode == "" {
			in.MountConfig[i].Mode = "rw"
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func (in CreateInput) gpuRequest() allocator.GPURequest {
	return allocator.GPURequest{Indices: in.SelectedGPUIndices, Count: in.GPUCount}
}

func (in CreateInput) wantsGPUs() bool {
	return len(in.SelectedGPUIndices) > 0 || in.GPUCount > 0
}

// Create validates the request and creates the environment locally or on a worker.
func (s *Service) Create(ctx context.Context, in CreateInput) (*View, error) {
	in.normalize()
	if strings.TrimSpace(in.DockerfileContent) == "" {
		return nil, apperr.Validation("dockerfile_required", "Dockerfile content is required")
	}
	if !nameExpr.MatchString(in.Name) {
		return nil, apperr.Validation("invalid_environment_name", "name must start with a letter or digit and contain only letters, digits, '.', '_' or '-'")
	}
	for _, m := range in.MountConfig {
		if strings.TrimSpace(m.HostPath) == "" || strings.TrimSpace(m.ContainerPath) == "" {
			return nil, apperr.Validation("invalid_mount_config", "mounts require host_path and container_path")
		}
	}
	exists, err := s.envs.EnvironmentNameExists(ctx, in.Name)
	if err != nil {
		return nil, fmt.Errorf("check environment name: %w", err)
	}
	if exists {
		return nil, duplicateName()
	}
	if err := allocator.ValidateCustomPorts(in.CustomPorts); err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(in.RootPassword)
	if err != nil {
		if errors.Is(err, crypto.ErrSecretKey) {
			return nil, apperr.Internal("security_key_missing", "APP_SECRET_KEY is missing or invalid").Wrap(err)
		}
		return nil, apperr.Internal("password_encryption_failed", "could not encrypt root password").Wrap(err)
	}

	if in.WorkerServerID != nil {
		return s.createRemote(ctx, in, encrypted)
	}
	return s.createLocal(ctx, in, encrypted)
}

func duplicateName() error {
	return apperr.Conflict("duplicate_environment_name", "Environment name already exists")
}

func portAllocationFailed() error {
	return apperr.Unavailable("port_allocation_failed", "Failed to allocate unique ports after several retries. Please try again.")
}

func isPortColumn(column string) bool {
	switch column {
	case "ssh_port", "jupyter_port", "code_port":
		return true
	}
	return false
}

// insertWithRetry runs attempt until it succeeds, retrying port uniqueness
// violations with fresh ports. Name violations are permanent.
func (s *Service) insertWithRetry(ctx context.Context, attempt func() error) error {
	for i := 0; i < s.insertRetries; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		column, ok := repository.ViolatedColumn(err)
		if !ok {
			if _, isDomain := apperr.As(err); isDomain {
				return err
			}
			return fmt.Errorf("create environment: %w", err)
		}
		if column == "name" {
			return duplicateName()
		}
		if !isPortColumn(column) {
			return fmt.Errorf("create environment: %w", err)
		}
		observeAllocationRetry()
		s.log.Info("port collision on insert, retrying", "column", column, "attempt", i+1)
	}
	return portAllocationFailed()
}

func (s *Service) createLocal(ctx context.Context, in CreateInput, encrypted string) (*View, error) {
	total := 0
	if in.wantsGPUs() {
		if s.gpus == nil {
			return nil, apperr.Internal("gpu_inventory_failed", "GPU inventory is not available")
		}
		n, err := s.gpus.TotalGPUs(ctx)
		if err != nil {
			return nil, apperr.Internal("gpu_inventory_failed", fmt.Sprintf("could not detect GPUs: %v", err)).Wrap(err)
		}
		total = n
	}
	token, err := newJupyterToken()
	if err != nil {
		return nil, apperr.Internal("token_generation_failed", "could not generate Jupyter token").Wrap(err)
	}
	customJSON, err := json.Marshal(nonNilMappings(in.CustomPorts))
	if err != nil {
		return nil, fmt.Errorf("encode custom ports: %w", err)
	}

	var env *domain.Environment
	err = s.insertWithRetry(ctx, func() error {
		candidate := &domain.Environment{
			ID:                    uuid.NewString(),
			Name:                  in.Name,
			Status:                domain.StatusCreating,
			ContainerUser:         in.ContainerUser,
			EnableJupyter:         *in.EnableJupyter,
			EnableCodeServer:      *in.EnableCodeServer,
			RootPasswordEncrypted: encrypted,
			MountConfig:           in.MountConfig,
			DockerfileContent:     in.DockerfileContent,
		}
		err := s.envs.WithAllocationLock(ctx, func(tx repository.AllocationTx) error {
			gpus := []int{}
			if in.wantsGPUs() {
				used, err := allocator.CollectUsedGPUIndices(ctx, tx, nil)
				if err != nil {
					return err
				}
				if gpus, err = allocator.AllocateGPUs(used, total, in.gpuRequest()); err != nil {
					return err
				}
			}
			blocked, err := s.alloc.BlockedPorts(ctx, tx)
			if err != nil {
				return err
			}
			ports, err := s.alloc.PortsFrom(blocked)
			if err != nil {
				return err
			}
			if err := allocator.CheckCustomHostPorts(blocked, in.CustomPorts, ports); err != nil {
				return err
			}
			candidate.GPUIndices = gpus
			candidate.SSHPort, candidate.JupyterPort, candidate.CodePort = ports.SSH, ports.Jupyter, ports.Code
			if err := tx.InsertEnvironment(ctx, candidate); err != nil {
				return err
			}
			if err := tx.PutSetting(ctx, domain.JupyterTokenKey(candidate.ID), token); err != nil {
				return err
			}
			return tx.PutSetting(ctx, domain.CustomPortsKey(candidate.ID), string(customJSON))
		})
		if err == nil {
			env = candidate
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, env.ID); err != nil {
		s.compensateEnqueue(ctx, env)
		return nil, apperr.Unavailable("task_enqueue_failed", "Failed to enqueue provisioning task. Please try again.").Wrap(err)
	}
	s.advanceToBuilding(ctx, env)
	s.log.Info("environment created", "environment_id", env.ID, "name", env.Name, "gpus", env.GPUIndices, "ssh_port", env.SSHPort)
	view := newView(env, in.CustomPorts)
	return &view, nil
}

// advanceToBuilding marks a freshly queued environment building unless the
// executor already moved it on, in which case env picks up the stored status.
func (s *Service) advanceToBuilding(ctx context.Context, env *domain.Environment) {
	advanced, err := s.envs.AdvanceEnvironmentStatus(ctx, env.ID, domain.StatusCreating, domain.StatusBuilding)
	if err != nil {
		s.log.Warn("update environment status failed", "environment_id", env.ID, "status", domain.StatusBuilding, "error", err)
		return
	}
	if advanced {
		env.Status = domain.StatusBuilding
		return
	}
	if current, err := s.envs.GetEnvironment(ctx, env.ID); err == nil {
		env.Status = current.Status
	}
}

// compensateEnqueue removes a row whose provisioning never started, or marks it
// error when the removal fails.
func (s *Service) compensateEnqueue(ctx context.Context, env *domain.Environment) {
	err := s.envs.DeleteEnvironment(ctx, env.ID)
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		return
	}
	s.log.Warn("enqueue compensation delete failed", "environment_id", env.ID, "error", err)
	if err := s.envs.UpdateEnvironmentStatus(ctx, env.ID, domain.StatusError); err != nil {
		s.log.Warn("enqueue compensation status update failed", "environment_id", env.ID, "error", err)
	}
}

func (s *Service) createRemote(ctx context.Context, in CreateInput, encrypted string) (*View, error) {
	if s.workers == nil {
		return nil, apperr.Validation("worker_not_found", "worker delegation is not available on this node")
	}
	w, err := s.workers.EnsureHealthy(ctx, *in.WorkerServerID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"name":                 in.Name,
		"container_user":       in.ContainerUser,
		"dockerfile_content":   in.DockerfileContent,
		"enable_jupyter":       *in.EnableJupyter,
		"enable_code_server":   *in.EnableCodeServer,
		"mount_config":         nonNilMounts(in.MountConfig),
		"custom_ports":         nonNilMappings(in.CustomPorts),
		"gpu_count":            in.GPUCount,
		"selected_gpu_indices": nonNilInts(in.SelectedGPUIndices),
		"root_password":        in.RootPassword,
		"worker_server_id":     nil,
	}
	remote, err := s.workers.Call(ctx, w, http.MethodPost, "/api/worker/environments", payload)
	if err != nil {
		return nil, remoteError(err)
	}
	remoteID, err := uuid.Parse(fmt.Sprint(remote["id"]))
	if err != nil {
		return nil, apperr.BadGateway("worker_api_mismatch", "Worker response did not include a valid id")
	}

	cleanup := func() {
		if _, err := s.workers.Call(ctx, w, http.MethodDelete, "/api/worker/environments/"+remoteID.String(), nil); err != nil {
			s.log.Warn("remote cleanup after local create failure failed", "environment_id", remoteID.String(), "worker_id", w.ID, "error", err)
		}
	}

	gpus := intList(remote["gpu_indices"])
	if gpus == nil {
		gpus = nonNilInts(in.SelectedGPUIndices)
	}
	custom := in.CustomPorts
	if raw, ok := remote["custom_ports"]; ok {
		if encoded, err := json.Marshal(raw); err == nil {
			if decoded := decodePortMappings(string(encoded)); len(decoded) > 0 {
				custom = decoded
			}
		}
	}
	if err := allocator.ValidateCustomPorts(custom); err != nil {
		cleanup()
		return nil, err
	}
	customJSON, err := json.Marshal(nonNilMappings(custom))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encode custom ports: %w", err)
	}
	status := domain.ParseStatus(fmt.Sprint(remote["status"]))
	if status == domain.StatusUnknown {
		status = domain.StatusBuilding
	}
	workerID := w.ID

	var env *domain.Environment
	err = s.insertWithRetry(ctx, func() error {
		candidate := &domain.Environment{
			ID:                    remoteID.String(),
			Name:                  in.Name,
			WorkerServerID:        &workerID,
			Status:                status,
			ContainerUser:         in.ContainerUser,
			GPUIndices:            gpus,
			EnableJupyter:         *in.EnableJupyter,
			EnableCodeServer:      *in.EnableCodeServer,
			RootPasswordEncrypted: encrypted,
			MountConfig:           in.MountConfig,
			DockerfileContent:     in.DockerfileContent,
		}
		err := s.envs.WithAllocationLock(ctx, func(tx repository.AllocationTx) error {
			blocked, err := s.alloc.BlockedPorts(ctx, tx)
			if err != nil {
				return err
			}
			if err := allocator.CheckCustomHostPorts(blocked, custom, allocator.Ports{}); err != nil {
				return err
			}
			ports, err := s.alloc.SurrogatePortsFrom(blocked)
			if err != nil {
				return err
			}
			candidate.SSHPort, candidate.JupyterPort, candidate.CodePort = ports.SSH, ports.Jupyter, ports.Code
			if err := tx.InsertEnvironment(ctx, candidate); err != nil {
				return err
			}
			return tx.PutSetting(ctx, domain.CustomPortsKey(candidate.ID), string(customJSON))
		})
		if err == nil {
			env = candidate
		}
		return err
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	s.log.Info("environment delegated", "environment_id", env.ID, "worker_id", workerID, "status", env.Status)
	view := newView(env, custom)
	view.WorkerServerName = strPtr(w.Name)
	view.WorkerServerBaseURL = strPtr(w.BaseURL)
	return &view, nil
}

func newJupyterToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func nonNilMappings(m []domain.PortMapping) []domain.PortMapping {
	if m == nil {
		return []domain.PortMapping{}
	}
	return m
}

func nonNilMounts(m []domain.MountConfig) []domain.MountConfig {
	if m == nil {
		return []domain.MountConfig{}
	}
	return m
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

// intList converts a decoded JSON array of numbers. Anything else yields nil.
func intList(raw any) []int {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil
		}
		out = append(out, int(f))
	}
	return out
}
