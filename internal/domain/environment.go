package domain

import (
	"fmt"
	"time"
)

// EnvironmentStatus is the lifecycle state of an environment.
type EnvironmentStatus string

const (
	StatusCreating EnvironmentStatus = "creating"
	StatusBuilding EnvironmentStatus = "building"
	StatusRunning  EnvironmentStatus = "running"
	StatusStarting EnvironmentStatus = "starting"
	StatusStopping EnvironmentStatus = "stopping"
	StatusStopped  EnvironmentStatus = "stopped"
	StatusError    EnvironmentStatus = "error"
	StatusUnknown  EnvironmentStatus = "unknown"
)

// Occupied reports whether an environment in this status holds its GPU reservation.
func (s EnvironmentStatus) Occupied() bool {
	switch s {
	case StatusCreating, StatusBuilding, StatusRunning, StatusStarting:
		return true
	}
	return false
}

// OccupiedStatuses lists the statuses that hold GPU reservations.
func OccupiedStatuses() []EnvironmentStatus {
	return []EnvironmentStatus{StatusCreating, StatusBuilding, StatusRunning, StatusStarting}
}

// ParseStatus maps free-form status text (e.g. from a worker) to a known status.
func ParseStatus(raw string) EnvironmentStatus {
	switch s := EnvironmentStatus(raw); s {
	case StatusCreating, StatusBuilding, StatusRunning, StatusStarting, StatusStopping, StatusStopped, StatusError:
		return s
	}
	return StatusUnknown
}

// MountConfig binds a host path into the container.
type MountConfig struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	Mode          string `json:"mode,omitempty"`
}

// PortMapping pairs a host port with a container port.
type PortMapping struct {
	HostPort      int `json:"host_port"`
	ContainerPort int `json:"container_port"`
}

// Environment is a provisioned development container exposing SSH, Jupyter and code-server.
type Environment struct {
	ID                    string
	Name                  string
	WorkerServerID        *string
	Status                EnvironmentStatus
	ContainerUser         string
	GPUIndices            []int
	SSHPort               int
	JupyterPort           int
	CodePort              int
	EnableJupyter         bool
	EnableCodeServer      bool
	RootPasswordEncrypted string
	MountConfig           []MountConfig
	DockerfileContent     string
	CreatedAt             time.Time
}

// Remote reports whether the environment is delegated to a worker node.
func (e Environment) Remote() bool {
	return e.WorkerServerID != nil && *e.WorkerServerID != ""
}

// ContainerName is the stable runtime name derived from name and id.
func (e Environment) ContainerName() string {
	return fmt.Sprintf("lyra-%s-%s", e.Name, e.ID)
}

// ImageTag is the image built for the environment.
func (e Environment) ImageTag() string {
	return "lyra-custom-" + e.ID
}

// Settings key namespaces reserved for per-environment side records.
const (
	SettingJupyterTokenPrefix = "jupyter_token:"
	SettingCustomPortsPrefix  = "custom_ports:"
	SettingBuildErrorPrefix   = "build_error:"
)

// ReservedSettingPrefixes may not be written through the ordinary settings API.
var ReservedSettingPrefixes = []string{SettingJupyterTokenPrefix, SettingCustomPortsPrefix, SettingBuildErrorPrefix}

func JupyterTokenKey(envID string) string { return SettingJupyterTokenPrefix + envID }
func CustomPortsKey(envID string) string  { return SettingCustomPortsPrefix + envID }
func BuildErrorKey(envID string) string   { return SettingBuildErrorPrefix + envID }

// SideRecordKeys lists the settings rows owned by an environment.
func SideRecordKeys(envID string) []string {
	return []string{JupyterTokenKey(envID), CustomPortsKey(envID), BuildErrorKey(envID)}
}
