package instance

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
)

// Host port range for instance Redis containers (100 concurrent instances)
const (
	StartPort = 6379
	EndPort   = 6478
)

// FindNextAvailablePort returns the lowest port in StartPort..EndPort that no
// fedloop Redis container claims and that can be bound on the host.
func FindNextAvailablePort(ctx context.Context, cli ContainerLister) (int, error) {
	return findPort(ctx, cli, isPortBindable)
}

func findPort(ctx context.Context, cli ContainerLister, bindable func(int) bool) (int, error) {
	filter := dockerpkg.ProjectFilter()
	filter.Add("label", dockerpkg.LabelComponent+"="+dockerpkg.ComponentRedis)

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filter})
	if err != nil {
		return 0, fmt.Errorf("failed to query Docker containers: %w", err)
	}

	used := make(map[int]bool)
	for _, c := range containers {
		if port, err := strconv.Atoi(c.Labels[dockerpkg.LabelRedisPort]); err == nil {
			used[port] = true
		}
	}

	for port := StartPort; port <= EndPort; port++ {
		if !used[port] && bindable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available Redis ports (range %d-%d exhausted)", StartPort, EndPort)
}

// isPortBindable reports whether port is free on the loopback interface.
func isPortBindable(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
