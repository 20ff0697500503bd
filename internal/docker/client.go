package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// Labels stamped on every image and container Lyra creates.
const (
	LabelEnvironmentID   = "lyra.environment.id"
	LabelEnvironmentName = "lyra.environment.name"
)

// EnvironmentLabels returns the labels that tie a runtime object to its environment.
func EnvironmentLabels(id, name string) map[string]string {
	return map[string]string{
		LabelEnvironmentID:   id,
		LabelEnvironmentName: name,
	}
}

// Client is the container runtime adapter for environments on this node.
type Client struct {
	inner *client.Client
}

// New connects to the daemon at host, or to DOCKER_HOST when host is empty.
// The API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping reports ErrUnavailable unless the daemon answers with an API version.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("%w: client not initialized", ErrUnavailable)
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: empty API version", ErrUnavailable)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
