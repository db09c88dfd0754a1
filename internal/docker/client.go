package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// NewClient creates a Docker client and checks that the daemon answers.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

fedloop up/down/list and image-based sites need a running Docker daemon:
  • macOS: Docker Desktop
  • Linux: sudo systemctl start docker`, err)
	}

	return cli, nil
}

// ProjectFilter selects every fedloop resource.
func ProjectFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelProject+"=true"))
}

// InstanceFilter selects the resources of one instance, optionally narrowed
// to a component.
func InstanceFilter(instanceName, component string) filters.Args {
	args := filters.NewArgs(
		filters.Arg("label", LabelProject+"=true"),
		filters.Arg("label", LabelInstanceName+"="+instanceName),
	)
	if component != "" {
		args.Add("label", LabelComponent+"="+component)
	}
	return args
}
