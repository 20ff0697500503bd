// Package allocator computes non-conflicting host ports and GPU indices for environments.
//
// The allocator is stateless: it reads the current allocation state through State and the
// container runtime's live bindings through LivePorts. Callers serialize allocate-then-insert
// sequences themselves (see repository.EnvironmentRepository.WithAllocationLock).
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
)

// PortRange is an inclusive range of ports.
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) size() int { return r.Max - r.Min + 1 }

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port int) bool { return port >= r.Min && port <= r.Max }

var (
	SSHRange             = PortRange{Min: 20000, Max: 25000}
	JupyterRange         = PortRange{Min: 25001, Max: 30000}
	CodeRange            = PortRange{Min: 30001, Max: 35000}
	CustomHostRange      = PortRange{Min: 35001, Max: 60000}
	CustomContainerRange = PortRange{Min: 10000, Max: 20000}
	SurrogateRange       = PortRange{Min: 61001, Max: 65535}
)

// Container ports used by the built-in services.
const (
	ContainerSSHPort     = 22
	ContainerCodePort    = 8080
	ContainerJupyterPort = 8888
)

// MaxCustomPortBatch bounds a single custom port allocation request.
const MaxCustomPortBatch = 20

// randomAttempts bounds random draws before falling back to a full scan of the range.
const randomAttempts = 64

var reservedContainerPorts = map[int]struct{}{
	ContainerSSHPort:     {},
	ContainerCodePort:    {},
	ContainerJupyterPort: {},
}

// IsReservedContainerPort reports whether port is used by a built-in service.
func IsReservedContainerPort(port int) bool {
	_, ok := reservedContainerPorts[port]
	return ok
}

// Ports is the service port triple of an environment.
type Ports struct {
	SSH     int
	Jupyter int
	Code    int
}

// All returns the triple as a slice.
func (p Ports) All() []int { return []int{p.SSH, p.Jupyter, p.Code} }

// State is the allocation view of existing environments.
type State interface {
	EnvironmentPorts(ctx context.Context) ([]int, error)
	CustomPortMappings(ctx context.Context) ([]domain.PortMapping, error)
	UsedGPUIndices(ctx context.Context, workerID *string) ([]int, error)
}

// LivePorts reports host ports currently bound by the container runtime.
type LivePorts interface {
	BoundHostPorts(ctx context.Context) ([]int, error)
}

// Allocator picks ports and GPUs.
type Allocator struct {
	live LivePorts
	log  *slog.Logger
	intN func(n int) int
}

// New constructs an Allocator. live may be nil when no local runtime is available.
func New(live LivePorts, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{live: live, log: log, intN: rand.IntN}
}

// BlockedPorts returns every host port already claimed by environments, custom
// mappings or the container runtime. Runtime query failures are tolerated.
func (a *Allocator) BlockedPorts(ctx context.Context, st State) (map[int]struct{}, error) {
	blocked := make(map[int]struct{})
	envPorts, err := st.EnvironmentPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environment ports: %w", err)
	}
	for _, p := range envPorts {
		blocked[p] = struct{}{}
	}
	custom, err := st.CustomPortMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list custom ports: %w", err)
	}
	for _, m := range custom {
		blocked[m.HostPort] = struct{}{}
	}
	if a.live != nil {
		bound, err := a.live.BoundHostPorts(ctx)
		if err != nil {
			a.log.Warn("container runtime port query failed", "error", err)
		}
		for _, p := range bound {
			blocked[p] = struct{}{}
		}
	}
	return blocked, nil
}

// AllocatePorts picks ssh, jupyter and code ports from their dedicated ranges.
func (a *Allocator) AllocatePorts(ctx context.Context, st State) (Ports, error) {
	blocked, err := a.BlockedPorts(ctx, st)
	if err != nil {
		return Ports{}, err
	}
	return a.PortsFrom(blocked)
}

// PortsFrom is AllocatePorts over a blocked set the caller already built.
// The chosen ports are added to blocked.
func (a *Allocator) PortsFrom(blocked map[int]struct{}) (Ports, error) {
	return a.pickTriple(blocked, SSHRange, JupyterRange, CodeRange)
}

// AllocateSurrogatePorts picks three ports from the surrogate range for the shadow
// record of a worker-delegated environment.
func (a *Allocator) AllocateSurrogatePorts(ctx context.Context, st State) (Ports, error) {
	blocked, err := a.BlockedPorts(ctx, st)
	if err != nil {
		return Ports{}, err
	}
	return a.SurrogatePortsFrom(blocked)
}

// SurrogatePortsFrom is AllocateSurrogatePorts over a prebuilt blocked set.
func (a *Allocator) SurrogatePortsFrom(blocked map[int]struct{}) (Ports, error) {
	return a.pickTriple(blocked, SurrogateRange, SurrogateRange, SurrogateRange)
}

func (a *Allocator) pickTriple(blocked map[int]struct{}, ssh, jupyter, code PortRange) (Ports, error) {
	var out Ports
	for i, r := range []PortRange{ssh, jupyter, code} {
		port, ok := a.pick(r, blocked)
		if !ok {
			return Ports{}, portsExhausted(r)
		}
		blocked[port] = struct{}{}
		switch i {
		case 0:
			out.SSH = port
		case 1:
			out.Jupyter = port
		default:
			out.Code = port
		}
	}
	return out, nil
}

// pick draws uniformly from the free ports of r.
func (a *Allocator) pick(r PortRange, blocked map[int]struct{}) (int, bool) {
	for i := 0; i < randomAttempts; i++ {
		port := r.Min + a.intN(r.size())
		if _, taken := blocked[port]; !taken {
			return port, true
		}
	}
	free := make([]int, 0, 64)
	for port := r.Min; port <= r.Max; port++ {
		if _, taken := blocked[port]; !taken {
			free = append(free, port)
		}
	}
	if len(free) == 0 {
		return 0, false
	}
	return free[a.intN(len(free))], true
}

func portsExhausted(r PortRange) *apperr.Error {
	return apperr.Unavailable("port_allocation_failed", fmt.Sprintf("no free port left in range %d-%d", r.Min, r.Max))
}

// AllocateCustomPorts picks count additional host/container mappings that do not
// collide with existing allocations nor with the caller's existing mappings.
func (a *Allocator) AllocateCustomPorts(ctx context.Context, st State, count int, existing []domain.PortMapping) ([]domain.PortMapping, error) {
	if count < 1 || count > MaxCustomPortBatch {
		return nil, apperr.Validation("invalid_custom_port_count", fmt.Sprintf("count must be between 1 and %d", MaxCustomPortBatch))
	}
	if err := ValidateCustomPorts(existing); err != nil {
		return nil, err
	}
	blocked, err := a.BlockedPorts(ctx, st)
	if err != nil {
		return nil, err
	}
	usedContainer := make(map[int]struct{}, len(reservedContainerPorts)+len(existing))
	for p := range reservedContainerPorts {
		usedContainer[p] = struct{}{}
	}
	for _, m := range existing {
		blocked[m.HostPort] = struct{}{}
		usedContainer[m.ContainerPort] = struct{}{}
	}

	out := make([]domain.PortMapping, 0, count)
	for i := 0; i < count; i++ {
		host, ok := a.pick(CustomHostRange, blocked)
		if !ok {
			return nil, portsExhausted(CustomHostRange)
		}
		ctr, ok := a.pick(CustomContainerRange, usedContainer)
		if !ok {
			return nil, portsExhausted(CustomContainerRange)
		}
		blocked[host] = struct{}{}
		usedContainer[ctr] = struct{}{}
		out = append(out, domain.PortMapping{HostPort: host, ContainerPort: ctr})
	}
	return out, nil
}

// ValidateCustomPorts rejects duplicate host ports, duplicate container ports and
// reserved container ports within one request.
func ValidateCustomPorts(mappings []domain.PortMapping) error {
	hosts := make(map[int]struct{}, len(mappings))
	containers := make(map[int]struct{}, len(mappings))
	for _, m := range mappings {
		if m.HostPort < 1 || m.HostPort > 65535 || m.ContainerPort < 1 || m.ContainerPort > 65535 {
			return apperr.Validation("invalid_custom_port", fmt.Sprintf("port mapping %d:%d is out of range", m.HostPort, m.ContainerPort))
		}
		if IsReservedContainerPort(m.ContainerPort) {
			return apperr.Validation("reserved_container_port", fmt.Sprintf("container port %d is reserved", m.ContainerPort))
		}
		if _, dup := hosts[m.HostPort]; dup {
			return apperr.Validation("duplicate_custom_host_port", fmt.Sprintf("host port %d is listed more than once", m.HostPort))
		}
		if _, dup := containers[m.ContainerPort]; dup {
			return apperr.Validation("duplicate_custom_container_port", fmt.Sprintf("container port %d is listed more than once", m.ContainerPort))
		}
		hosts[m.HostPort] = struct{}{}
		containers[m.ContainerPort] = struct{}{}
	}
	return nil
}

// CheckCustomHostPorts fails when any requested host port is already claimed.
func CheckCustomHostPorts(blocked map[int]struct{}, mappings []domain.PortMapping, ports Ports) error {
	for _, m := range mappings {
		_, taken := blocked[m.HostPort]
		if taken || m.HostPort == ports.SSH || m.HostPort == ports.Jupyter || m.HostPort == ports.Code {
			return apperr.Conflict("custom_host_port_conflict", fmt.Sprintf("host port %d is already in use", m.HostPort))
		}
	}
	return nil
}

// CollectUsedGPUIndices returns the GPUs held by occupied environments in the scope.
// A nil workerID selects the host.
func CollectUsedGPUIndices(ctx context.Context, st State, workerID *string) (map[int]struct{}, error) {
	indices, err := st.UsedGPUIndices(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list used gpus: %w", err)
	}
	used := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		used[idx] = struct{}{}
	}
	return used, nil
}

// GPURequest selects GPUs either explicitly by index or by count.
type GPURequest struct {
	Indices []int
	Count   int
}

// AllocateGPUs validates an explicit selection or picks the lowest free indices.
func AllocateGPUs(used map[int]struct{}, total int, req GPURequest) ([]int, error) {
	if len(req.Indices) > 0 {
		seen := make(map[int]struct{}, len(req.Indices))
		for _, idx := range req.Indices {
			if _, dup := seen[idx]; dup {
				return nil, apperr.Validation("invalid_gpu_selection", fmt.Sprintf("gpu %d is selected more than once", idx))
			}
			if idx < 0 || idx >= total {
				return nil, apperr.Validation("invalid_gpu_selection", fmt.Sprintf("gpu %d does not exist (total %d)", idx, total))
			}
			seen[idx] = struct{}{}
		}
		for _, idx := range req.Indices {
			if _, taken := used[idx]; taken {
				return nil, apperr.Conflict("gpu_already_allocated", fmt.Sprintf("gpu %d is already allocated", idx))
			}
		}
		out := append([]int(nil), req.Indices...)
		sort.Ints(out)
		return out, nil
	}
	if req.Count < 0 {
		return nil, apperr.Validation("invalid_gpu_selection", "gpu count cannot be negative")
	}
	if req.Count == 0 {
		return []int{}, nil
	}
	out := make([]int, 0, req.Count)
	for idx := 0; idx < total && len(out) < req.Count; idx++ {
		if _, taken := used[idx]; !taken {
			out = append(out, idx)
		}
	}
	if len(out) < req.Count {
		return nil, apperr.Validation("gpu_capacity_insufficient", fmt.Sprintf("requested %d gpus but only %d available", req.Count, len(out)))
	}
	return out, nil
}
