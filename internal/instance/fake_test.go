package instance

import (
	"context"
	"errors"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
)

// fakeLister applies the label filters of a list call to a fixed container set.
type fakeLister struct {
	containers []types.Container
	err        error
}

func (f *fakeLister) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.Container
	for _, c := range f.containers {
		if matchesLabels(c, opts.Filters.Get("label")) {
			out = append(out, c)
		}
	}
	return out, nil
}

func matchesLabels(c types.Container, wanted []string) bool {
	for _, w := range wanted {
		k, v, _ := strings.Cut(w, "=")
		if c.Labels[k] != v {
			return false
		}
	}
	return true
}

var errDocker = errors.New("docker unavailable")

func fedloopContainer(instance, component, state string) types.Container {
	labels := dockerpkg.BuildLabels(instance, "run-1", "/srv/"+instance+"/fedloop.yml", component)
	return types.Container{
		ID:      instance + "-" + component,
		Names:   []string{"/fedloop-" + component + "-" + instance},
		Labels:  labels,
		State:   state,
		Created: 1700000000,
	}
}

func redisContainer(instance, port, state string) types.Container {
	c := fedloopContainer(instance, dockerpkg.ComponentRedis, state)
	c.Labels[dockerpkg.LabelRedisPort] = port
	return c
}
