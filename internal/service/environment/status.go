package environment

import (
	"strings"

	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
)

// transitionalStates are runtime states in which a container has not settled yet.
var transitionalStates = map[string]struct{}{
	"created":    {},
	"restarting": {},
	"starting":   {},
}

func isTransitional(state string) bool {
	_, ok := transitionalStates[strings.ToLower(strings.TrimSpace(state))]
	return ok
}

// ResolveStatus reconciles the recorded status with the observed container state.
func ResolveStatus(current domain.EnvironmentStatus, live docker.ContainerState) domain.EnvironmentStatus {
	if strings.EqualFold(live.Status, "running") {
		if current == domain.StatusStopping {
			return domain.StatusStopping
		}
		return domain.StatusRunning
	}
	switch current {
	case domain.StatusStopping:
		if isTransitional(live.StateStatus) {
			return domain.StatusStopping
		}
		// user-initiated stops end in SIGKILL, so any exit code counts as stopped
		return domain.StatusStopped
	case domain.StatusStarting:
		if isTransitional(live.StateStatus) && live.ExitCode == nil {
			return domain.StatusStarting
		}
	}
	return statusFromExit(live)
}

func statusFromExit(live docker.ContainerState) domain.EnvironmentStatus {
	if live.ExitCode == nil {
		return domain.StatusStopped
	}
	switch *live.ExitCode {
	case 0, 143:
		return domain.StatusStopped
	case 137:
		if live.OOMKilled || strings.TrimSpace(live.Error) != "" {
			return domain.StatusError
		}
		return domain.StatusStopped
	default:
		return domain.StatusError
	}
}
