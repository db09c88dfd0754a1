package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
)

// Discovery errors returned by Resolve.
var (
	ErrNoInstances       = errors.New("no fedloop instances found")
	ErrMultipleInstances = errors.New("multiple fedloop instances found, use --name to specify which one")
)

// Resolve returns name when set. Otherwise it returns the only existing
// instance, or ErrNoInstances / ErrMultipleInstances.
func Resolve(ctx context.Context, cli ContainerLister, name string) (string, error) {
	if name != "" {
		return name, nil
	}

	grouped, err := listGrouped(ctx, cli)
	if err != nil {
		return "", err
	}
	switch len(grouped) {
	case 0:
		return "", ErrNoInstances
	case 1:
		for only := range grouped {
			return only, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrMultipleInstances, sortedNames(grouped))
}

// List returns every instance, sorted by name.
func List(ctx context.Context, cli ContainerLister, now time.Time) ([]Info, error) {
	grouped, err := listGrouped(ctx, cli)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(grouped))
	for _, name := range sortedNames(grouped) {
		infos = append(infos, describe(name, grouped[name], now))
	}
	return infos, nil
}

func describe(name string, containers []types.Container, now time.Time) Info {
	info := Info{
		Name:   name,
		Status: DetermineStatus(containers),
		Uptime: "-",
	}

	var created int64
	for _, c := range containers {
		switch c.Labels[dockerpkg.LabelComponent] {
		case dockerpkg.ComponentSite:
			info.Sites++
		case dockerpkg.ComponentRedis:
			info.RedisPort = c.Labels[dockerpkg.LabelRedisPort]
		}
		if info.Config == "" {
			info.Config = c.Labels[dockerpkg.LabelConfigPath]
		}
		if created == 0 || (c.Created > 0 && c.Created < created) {
			created = c.Created
		}
	}

	if info.Status == StatusRunning && created > 0 {
		info.Uptime = FormatDuration(now.Sub(time.Unix(created, 0)))
	}
	return info
}

// RedisPort returns the host port published by the instance's Redis container.
func RedisPort(ctx context.Context, cli ContainerLister, name string) (int, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: dockerpkg.InstanceFilter(name, dockerpkg.ComponentRedis),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return 0, fmt.Errorf("Redis container not found for instance '%s'", name)
	}

	portStr, ok := containers[0].Labels[dockerpkg.LabelRedisPort]
	if !ok {
		return 0, fmt.Errorf("Redis port label missing for instance '%s'", name)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid Redis port '%s': %w", portStr, err)
	}
	return port, nil
}

// VerifyRunning checks that the instance's Redis container is running.
// The coordinator may have finished its job and sites may be restarting,
// so neither is required.
func VerifyRunning(ctx context.Context, cli ContainerLister, name string) error {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: dockerpkg.InstanceFilter(name, ""),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return fmt.Errorf("instance '%s' not found", name)
	}

	for _, c := range containers {
		if c.Labels[dockerpkg.LabelComponent] != dockerpkg.ComponentRedis {
			continue
		}
		if c.State != "running" {
			return fmt.Errorf("instance '%s' is not running (redis is %s)", name, c.State)
		}
		return nil
	}
	return fmt.Errorf("instance '%s' is missing its redis container", name)
}

// FormatDuration renders d as "1h 5m", "3m 12s" or "42s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func listGrouped(ctx context.Context, cli ContainerLister) (map[string][]types.Container, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: dockerpkg.ProjectFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	grouped := make(map[string][]types.Container)
	for _, c := range containers {
		name := c.Labels[dockerpkg.LabelInstanceName]
		if name == "" {
			continue
		}
		grouped[name] = append(grouped[name], c)
	}
	return grouped, nil
}

func sortedNames(grouped map[string][]types.Container) []string {
	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
