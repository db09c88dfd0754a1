package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
	"github.com/dyluth/fedloop/internal/instance"
	"github.com/dyluth/fedloop/internal/printer"
)

// run executes the CLI with args and returns what it printed.
func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	prev := color.NoColor
	color.NoColor = true
	var out, errOut bytes.Buffer
	restore := printer.SetOutput(&out, &errOut)
	defer func() {
		restore()
		color.NoColor = prev
	}()

	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = execute(context.Background(), root)
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "fedloop.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// useDocker points the Docker seam at d for the rest of the test.
func useDocker(t *testing.T, d instance.Docker) {
	t.Helper()
	prev := newDocker
	newDocker = func(context.Context) (instance.Docker, func() error, error) {
		return d, func() error { return nil }, nil
	}
	t.Cleanup(func() { newDocker = prev })
}

// fakeDocker is an in-memory Docker daemon. ContainerList applies label
// filters to containers; created containers are recorded but not listed.
type fakeDocker struct {
	containers []types.Container
	networks   []types.NetworkResource

	created []string
	started []string
	removed []string
	pulled  []string

	failCreate string
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	var out []types.Container
	for _, c := range f.containers {
		if hasLabels(c.Labels, opts.Filters.Get("label")) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDocker) CreateContainer(_ context.Context, name string, _ *container.Config, _ *container.HostConfig) (string, error) {
	if name == f.failCreate {
		return "", errors.New("no such image")
	}
	f.created = append(f.created, name)
	return "id-" + name, nil
}

func (f *fakeDocker) StartContainer(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) StopContainer(context.Context, string, int) error { return nil }

func (f *fakeDocker) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) CreateNetwork(_ context.Context, name string, labels map[string]string) error {
	f.networks = append(f.networks, types.NetworkResource{ID: "net-" + name, Name: name, Labels: labels})
	return nil
}

func (f *fakeDocker) ListNetworks(_ context.Context, filter filters.Args) ([]types.NetworkResource, error) {
	var out []types.NetworkResource
	for _, n := range f.networks {
		if hasLabels(n.Labels, filter.Get("label")) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeDocker) RemoveNetwork(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) EnsureImage(_ context.Context, ref string) error {
	f.pulled = append(f.pulled, ref)
	return nil
}

func hasLabels(labels map[string]string, wanted []string) bool {
	for _, w := range wanted {
		k, v, _ := strings.Cut(w, "=")
		if labels[k] != v {
			return false
		}
	}
	return true
}

func instanceContainer(name, component, state string) types.Container {
	labels := dockerpkg.BuildLabels(name, "run-1", "/srv/"+name+"/fedloop.yml", component)
	if component == dockerpkg.ComponentRedis {
		labels[dockerpkg.LabelRedisPort] = "6380"
	}
	return types.Container{
		ID:      name + "-" + component,
		Names:   []string{"/fedloop-" + component + "-" + name},
		Labels:  labels,
		State:   state,
		Created: 1700000000,
	}
}
