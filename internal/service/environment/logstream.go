package environment

import (
	"context"
	"errors"
	"io"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/docker"
)

// LogFollower streams live container output. Runtimes that cannot follow logs
// simply do not implement it.
type LogFollower interface {
	FollowLogs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
}

// FollowLogs opens a live stream of a host-managed environment's container output.
// The stream ends when ctx is cancelled or the container stops.
func (s *Service) FollowLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Remote() {
		return nil, apperr.Conflict("log_stream_unsupported", "live log streaming is only available for host-managed environments")
	}
	follower, ok := s.runtime.(LogFollower)
	if s.runtime == nil || !ok {
		return nil, s.runtimeUnavailable()
	}
	rc, err := follower.FollowLogs(ctx, env.ContainerName(), LogTail)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return nil, apperr.Conflict("container_not_found", "container does not exist for this environment")
		}
		return nil, apperr.Internal("container_logs_failed", err.Error()).Wrap(err)
	}
	return rc, nil
}
