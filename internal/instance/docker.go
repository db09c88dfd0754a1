// Package instance discovers, creates and removes the local fedloop instances
// started by `fedloop up`. Every query goes through the fedloop.* labels.
package instance

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ContainerLister is the part of the Docker API used for discovery.
// *client.Client satisfies it.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// Docker is the part of the Docker API needed to manage an instance.
type Docker interface {
	ContainerLister
	CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
	CreateNetwork(ctx context.Context, name string, labels map[string]string) error
	ListNetworks(ctx context.Context, filter filters.Args) ([]types.NetworkResource, error)
	RemoveNetwork(ctx context.Context, id string) error
	EnsureImage(ctx context.Context, ref string) error
}

// NewDocker adapts a Docker client.
func NewDocker(cli *client.Client) Docker {
	return &dockerClient{Client: cli}
}

type dockerClient struct {
	*client.Client
}

func (d *dockerClient) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := d.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) StartContainer(ctx context.Context, id string) error {
	return d.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerClient) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	return d.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
}

func (d *dockerClient) RemoveContainer(ctx context.Context, id string) error {
	return d.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (d *dockerClient) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: labels,
	})
	return err
}

func (d *dockerClient) ListNetworks(ctx context.Context, filter filters.Args) ([]types.NetworkResource, error) {
	return d.NetworkList(ctx, types.NetworkListOptions{Filters: filter})
}

func (d *dockerClient) RemoveNetwork(ctx context.Context, id string) error {
	return d.NetworkRemove(ctx, id)
}

// EnsureImage pulls ref unless it is already present locally.
func (d *dockerClient) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	reader, err := d.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}
