// Package runtime wraps the external container engine (§6) behind the
// narrow set of operations the container lifecycle coordinator and proxy
// group manager need: image lookup, container create/start/stop/restart/
// remove, and lookup-by-name (used to restart the multiplexer container).
package runtime

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Client talks to the container runtime daemon, typically over a Unix
// domain socket (§6).
type Client struct {
	docker *client.Client
}

// New creates a runtime Client against the given daemon host (e.g.
// "unix:///var/run/docker.sock").
func New(host string) (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating runtime client: %w", err)
	}
	return &Client{docker: cli}, nil
}

// ImageExists reports whether an image reference is present in the
// runtime's local image store.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.docker.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

// CreateSpec describes a container to launch.
type CreateSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Volumes map[string]string // hostPath -> containerPath
	Ports   map[string]string // "containerPort/proto" -> hostPort, e.g. "6080/tcp" -> "30008"
}

// CreateResult is what the runtime reports back after a successful launch.
type CreateResult struct {
	ExternalID string
}

// RunContainer creates and starts a container per spec, returning the
// runtime-assigned id.
func (c *Client) RunContainer(ctx context.Context, spec CreateSpec) (CreateResult, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	binds := make([]string, 0, len(spec.Volumes))
	for host, cpath := range spec.Volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", host, cpath))
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		proto, port := nat.SplitProtoPort(containerPort)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return CreateResult{}, fmt.Errorf("parsing port %q: %w", containerPort, err)
		}
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}

	resp, err := c.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			Binds:        binds,
			PortBindings: portBindings,
		},
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return CreateResult{}, fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return CreateResult{}, fmt.Errorf("starting container %s: %w", spec.Name, err)
	}

	return CreateResult{ExternalID: resp.ID}, nil
}

// Stop stops a running container by its runtime id.
func (c *Client) Stop(ctx context.Context, externalID string) error {
	if err := c.docker.ContainerStop(ctx, externalID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stopping container %s: %w", externalID, err)
	}
	return nil
}

// Restart restarts a container by its runtime id.
func (c *Client) Restart(ctx context.Context, externalID string) error {
	if err := c.docker.ContainerRestart(ctx, externalID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("restarting container %s: %w", externalID, err)
	}
	return nil
}

// Remove stops (if needed) and removes a container by its runtime id.
func (c *Client) Remove(ctx context.Context, externalID string) error {
	if err := c.docker.ContainerRemove(ctx, externalID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("removing container %s: %w", externalID, err)
	}
	return nil
}

// RestartByName restarts the first container found with the given name (used
// to reload the proxy multiplexer after a config rewrite, §4.4.1).
func (c *Client) RestartByName(ctx context.Context, name string) error {
	f := filters.NewArgs(filters.Arg("name", name))
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("listing containers named %s: %w", name, err)
	}
	if len(containers) == 0 {
		return ErrNotFound
	}
	return c.Restart(ctx, containers[0].ID)
}

// ErrNotFound is returned when the runtime reports the container/image does
// not exist. Callers map this to a local status rather than failing outright
// (§4.3).
var ErrNotFound = fmt.Errorf("runtime: not found")
