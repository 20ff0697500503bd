package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerState is the observed state of a container.
type ContainerState struct {
	ID          string
	Status      string
	StateStatus string
	ExitCode    *int
	OOMKilled   bool
	Error       string
	Running     bool
}

// Bind mounts a host path into the container.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Ports      nat.PortMap
	Binds      []Bind
	GPUIndices []int
	ExtraHosts []string
	Labels     map[string]string
}

// RunContainer creates and starts a container from spec and returns its id.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{},
	}
	for p := range spec.Ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: spec.Ports,
		ExtraHosts:   spec.ExtraHosts,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	for _, b := range spec.Binds {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}
	if len(spec.GPUIndices) > 0 {
		ids := make([]string, 0, len(spec.GPUIndices))
		for _, idx := range spec.GPUIndices {
			ids = append(ids, strconv.Itoa(idx))
		}
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// InspectContainer returns the state of the named container or ErrNotFound.
func (c *Client) InspectContainer(ctx context.Context, name string) (ContainerState, error) {
	info, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerState{}, wrap("container inspect", err)
	}
	state := ContainerState{}
	if info.ContainerJSONBase != nil {
		state.ID = info.ID
		if info.State != nil {
			exit := info.State.ExitCode
			state.Status = info.State.Status
			state.StateStatus = info.State.Status
			state.ExitCode = &exit
			state.OOMKilled = info.State.OOMKilled
			state.Error = info.State.Error
			state.Running = info.State.Running
		}
	}
	return state, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if err := c.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return wrap("container start", err)
	}
	return nil
}

// StopContainer stops a container without a grace period.
func (c *Client) StopContainer(ctx context.Context, name string) error {
	timeout := 0
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrap("container stop", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Missing containers are not an error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil {
		return nil
	}
	if err = wrap("remove container", err); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ContainerLogs returns the last tail lines of combined stdout and stderr.
func (c *Client) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", wrap("container logs", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demux container logs: %w", err)
	}
	return buf.String(), nil
}

// FollowLogs streams demultiplexed log output until ctx is cancelled.
func (c *Client) FollowLogs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, wrap("follow container logs", err)
	}
	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

// BoundHostPorts lists host ports published by any container, running or not.
func (c *Client) BoundHostPorts(ctx context.Context) ([]int, error) {
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	var ports []int
	for _, ctr := range containers {
		for _, p := range ctr.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, int(p.PublicPort))
			}
		}
	}
	return ports, nil
}

// PortBinding publishes containerPort/tcp on hostPort.
func PortBinding(ports nat.PortMap, containerPort, hostPort int) {
	key := nat.Port(strconv.Itoa(containerPort) + "/tcp")
	ports[key] = append(ports[key], nat.PortBinding{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)})
}
