package environment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
)

// GPUUsage summarizes GPU capacity of a node.
type GPUUsage struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
}

// HostGPUUsage reports GPUs on this node held by host-managed environments.
func (s *Service) HostGPUUsage(ctx context.Context) (*GPUUsage, error) {
	total := 0
	if s.gpus != nil {
		n, err := s.gpus.TotalGPUs(ctx)
		if err != nil {
			return nil, apperr.Internal("gpu_inventory_failed", fmt.Sprintf("could not detect GPUs: %v", err)).Wrap(err)
		}
		total = n
	}
	envs, err := s.envs.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	used := make(map[int]struct{})
	for _, env := range envs {
		if env.Remote() || !env.Status.Occupied() {
			continue
		}
		for _, idx := range env.GPUIndices {
			if idx >= 0 && idx < total {
				used[idx] = struct{}{}
			}
		}
	}
	return &GPUUsage{Total: total, Used: len(used), Available: total - len(used)}, nil
}

// WorkerGPUUsage asks a worker for its GPU usage.
func (s *Service) WorkerGPUUsage(ctx context.Context, workerID string) (*GPUUsage, error) {
	if s.workers == nil {
		return nil, apperr.NotFound("worker_not_found", "worker server not found")
	}
	w, err := s.workers.EnsureHealthy(ctx, workerID)
	if err != nil {
		return nil, err
	}
	res, err := s.workers.Call(ctx, w, http.MethodGet, "/api/worker/gpu", nil)
	if err != nil {
		return nil, remoteError(err)
	}
	usage := &GPUUsage{}
	for key, dst := range map[string]*int{"total": &usage.Total, "used": &usage.Used, "available": &usage.Available} {
		v, ok := res[key].(float64)
		if !ok {
			return nil, apperr.BadGateway("worker_api_mismatch", "worker GPU response is invalid")
		}
		*dst = int(v)
	}
	return usage, nil
}

// CustomPortRequest asks for additional custom port mappings.
type CustomPortRequest struct {
	Count        int                  `json:"count"`
	CurrentPorts []domain.PortMapping `json:"current_ports"`
}

// CustomPortResponse lists the allocated mappings.
type CustomPortResponse struct {
	Mappings []domain.PortMapping `json:"mappings"`
}

// AllocateCustomPorts suggests mappings that collide with nothing allocated so far.
// The result is advisory; host ports are checked again when the environment is created.
func (s *Service) AllocateCustomPorts(ctx context.Context, req CustomPortRequest) (*CustomPortResponse, error) {
	if req.Count <= 0 {
		req.Count = 1
	}
	var mappings []domain.PortMapping
	err := s.envs.WithAllocationLock(ctx, func(tx repository.AllocationTx) error {
		var err error
		mappings, err = s.alloc.AllocateCustomPorts(ctx, tx, req.Count, req.CurrentPorts)
		return err
	})
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("allocate custom ports: %w", err)
	}
	return &CustomPortResponse{Mappings: mappings}, nil
}
