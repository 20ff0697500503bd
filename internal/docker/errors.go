package docker

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

var (
	// ErrNotFound means the named container does not exist on this node.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrUnavailable means the daemon could not be reached.
	ErrUnavailable = errors.New("docker: daemon unavailable")
)

// BuildError is a failure reported by the daemon while building an environment image.
type BuildError struct {
	Tag     string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %s", e.Tag, e.Message)
}

// wrap maps daemon not-found responses to ErrNotFound and annotates the rest with op.
func wrap(op string, err error) error {
	if client.IsErrNotFound(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
