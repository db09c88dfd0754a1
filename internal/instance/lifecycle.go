package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
)

const (
	// ConfigMountDir is where the coordinator container sees the config directory
	ConfigMountDir = "/fedloop/config"

	// DockerSocket is mounted into site containers so they can start task containers
	DockerSocket = "/var/run/docker.sock"

	redisPort   = "6379/tcp"
	stopTimeout = 10 // seconds
)

// Plan describes the resources `fedloop up` creates for one instance.
type Plan struct {
	Name       string
	RunID      string
	ConfigPath string // absolute path of fedloop.yml on the host

	RedisImage       string
	RedisPort        int // host port published on 127.0.0.1
	CoordinatorImage string
	SiteImage        string // site agent image, required when a site has an image

	// InputRoot is a host directory shared with the Docker daemon; each site
	// writes task input files below it.
	InputRoot string

	Sites []SitePlan
}

// SitePlan is one configured site. Only sites with an Image get a site agent
// container; the agent runs each task in a fresh container of that image.
type SitePlan struct {
	ID          string
	Image       string
	Command     []string
	Environment []string
	Timeout     time.Duration
}

// Manager creates and removes instances.
type Manager struct {
	Docker Docker

	// Step, when set, is called before each action.
	Step func(format string, a ...any)
}

func (m *Manager) step(format string, a ...any) {
	if m.Step != nil {
		m.Step(format, a...)
	}
}

// Create builds the instance described by plan. On error the partially
// created resources are left in place; callers roll back with Remove.
func (m *Manager) Create(ctx context.Context, plan *Plan) error {
	if err := plan.validate(); err != nil {
		return err
	}
	name := plan.Name

	m.step("Creating network %s...\n", dockerpkg.NetworkName(name))
	if err := m.Docker.CreateNetwork(ctx, dockerpkg.NetworkName(name), plan.labels("")); err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}

	m.step("Starting %s on 127.0.0.1:%d...\n", dockerpkg.RedisContainerName(name), plan.RedisPort)
	if err := m.run(ctx, dockerpkg.RedisContainerName(name), plan.redisContainer()); err != nil {
		return fmt.Errorf("failed to start Redis: %w", err)
	}

	m.step("Starting %s...\n", dockerpkg.CoordinatorContainerName(name))
	if err := m.run(ctx, dockerpkg.CoordinatorContainerName(name), plan.coordinatorContainer()); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	for _, site := range plan.Sites {
		if site.Image == "" {
			continue
		}
		m.step("Starting %s...\n", dockerpkg.SiteContainerName(name, site.ID))
		if err := os.MkdirAll(plan.siteInputDir(site.ID), 0o755); err != nil {
			return fmt.Errorf("failed to create input directory for site '%s': %w", site.ID, err)
		}
		spec, err := plan.siteContainer(site)
		if err != nil {
			return err
		}
		if err := m.run(ctx, dockerpkg.SiteContainerName(name, site.ID), spec); err != nil {
			return fmt.Errorf("failed to start site '%s': %w", site.ID, err)
		}
	}
	return nil
}

// Remove stops and removes every container and network of the instance and
// returns the number of containers removed. It keeps going after individual
// failures and reports them together.
func (m *Manager) Remove(ctx context.Context, name string) (int, error) {
	containers, err := m.Docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: dockerpkg.InstanceFilter(name, ""),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	var errs []error
	removed := 0
	for _, c := range containers {
		label := c.ID
		if len(c.Names) > 0 {
			label = c.Names[0]
		}
		if c.State == "running" {
			m.step("Stopping %s...\n", label)
			// A failed stop is followed by a forced remove
			_ = m.Docker.StopContainer(ctx, c.ID, stopTimeout)
		}
		m.step("Removing %s...\n", label)
		if err := m.Docker.RemoveContainer(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", label, err))
			continue
		}
		removed++
	}

	networks, err := m.Docker.ListNetworks(ctx, dockerpkg.InstanceFilter(name, ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list networks: %w", err))
	}
	for _, n := range networks {
		m.step("Removing network %s...\n", n.Name)
		if err := m.Docker.RemoveNetwork(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove network %s: %w", n.Name, err))
		}
	}

	return removed, errors.Join(errs...)
}

// Images returns every image the plan needs, without duplicates.
func (p *Plan) Images() []string {
	seen := map[string]bool{}
	var images []string
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			images = append(images, ref)
		}
	}
	add(p.RedisImage)
	add(p.CoordinatorImage)
	if len(p.ImageSites()) > 0 {
		add(p.SiteImage)
	}
	for _, s := range p.Sites {
		add(s.Image)
	}
	return images
}

// ImageSites returns the IDs of sites started as containers, sorted.
func (p *Plan) ImageSites() []string {
	var ids []string
	for _, s := range p.Sites {
		if s.Image != "" {
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) run(ctx context.Context, name string, spec containerSpec) error {
	id, err := m.Docker.CreateContainer(ctx, name, spec.config, spec.host)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := m.Docker.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

type containerSpec struct {
	config *container.Config
	host   *container.HostConfig
}

func (p *Plan) validate() error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if p.RunID == "" {
		return errors.New("run ID is required")
	}
	if !filepath.IsAbs(p.ConfigPath) {
		return fmt.Errorf("config path must be absolute, got '%s'", p.ConfigPath)
	}
	if p.RedisImage == "" || p.CoordinatorImage == "" {
		return errors.New("Redis and coordinator images are required")
	}
	if len(p.ImageSites()) > 0 {
		if p.SiteImage == "" {
			return errors.New("a site agent image is required to start sites with an image")
		}
		if !filepath.IsAbs(p.InputRoot) {
			return fmt.Errorf("input root must be absolute, got '%s'", p.InputRoot)
		}
	}
	if p.RedisPort < StartPort || p.RedisPort > EndPort {
		return fmt.Errorf("Redis port %d outside %d-%d", p.RedisPort, StartPort, EndPort)
	}
	return nil
}

func (p *Plan) labels(component string) map[string]string {
	return dockerpkg.BuildLabels(p.Name, p.RunID, p.ConfigPath, component)
}

func (p *Plan) hostConfig() *container.HostConfig {
	return &container.HostConfig{
		NetworkMode: container.NetworkMode(dockerpkg.NetworkName(p.Name)),
	}
}

func (p *Plan) redisContainer() containerSpec {
	labels := p.labels(dockerpkg.ComponentRedis)
	labels[dockerpkg.LabelRedisPort] = strconv.Itoa(p.RedisPort)

	host := p.hostConfig()
	host.PortBindings = nat.PortMap{
		redisPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(p.RedisPort)}},
	}

	return containerSpec{
		config: &container.Config{
			Image:        p.RedisImage,
			Labels:       labels,
			ExposedPorts: nat.PortSet{redisPort: struct{}{}},
		},
		host: host,
	}
}

func (p *Plan) coordinatorContainer() containerSpec {
	host := p.hostConfig()
	host.Mounts = []mount.Mount{{
		Type:   mount.TypeBind,
		Source: filepath.Dir(p.ConfigPath),
		Target: ConfigMountDir,
	}}

	return containerSpec{
		config: &container.Config{
			Image:  p.CoordinatorImage,
			Labels: p.labels(dockerpkg.ComponentCoordinator),
			Env: []string{
				"FEDLOOP_INSTANCE_NAME=" + p.Name,
				"REDIS_URL=" + dockerpkg.RedisURL(p.Name),
				"FEDLOOP_CONFIG=" + ConfigMountDir + "/" + filepath.Base(p.ConfigPath),
			},
		},
		host: host,
	}
}

func (p *Plan) siteInputDir(siteID string) string {
	return filepath.Join(p.InputRoot, siteID)
}

func (p *Plan) siteContainer(site SitePlan) (containerSpec, error) {
	labels := p.labels(dockerpkg.ComponentSite)
	labels[dockerpkg.LabelSiteID] = site.ID

	inputDir := p.siteInputDir(site.ID)
	env := []string{
		"FEDLOOP_INSTANCE_NAME=" + p.Name,
		"FEDLOOP_SITE_ID=" + site.ID,
		"REDIS_URL=" + dockerpkg.RedisURL(p.Name),
		"FEDLOOP_SITE_IMAGE=" + site.Image,
		"FEDLOOP_NETWORK=" + dockerpkg.NetworkName(p.Name),
		"FEDLOOP_INPUT_DIR=" + inputDir,
	}
	if len(site.Command) > 0 {
		command, err := json.Marshal(site.Command)
		if err != nil {
			return containerSpec{}, fmt.Errorf("site '%s': failed to encode command: %w", site.ID, err)
		}
		env = append(env, "FEDLOOP_SITE_COMMAND="+string(command))
	}
	if len(site.Environment) > 0 {
		taskEnv, err := json.Marshal(site.Environment)
		if err != nil {
			return containerSpec{}, fmt.Errorf("site '%s': failed to encode environment: %w", site.ID, err)
		}
		env = append(env, "FEDLOOP_SITE_ENV="+string(taskEnv))
	}
	if site.Timeout > 0 {
		env = append(env, "FEDLOOP_SITE_TIMEOUT="+site.Timeout.String())
	}

	host := p.hostConfig()
	host.RestartPolicy = container.RestartPolicy{Name: "on-failure", MaximumRetryCount: 3}
	host.Mounts = []mount.Mount{
		{Type: mount.TypeBind, Source: DockerSocket, Target: DockerSocket},
		// Same path on both sides so the daemon can bind-mount the files the agent writes
		{Type: mount.TypeBind, Source: inputDir, Target: inputDir},
	}

	return containerSpec{
		config: &container.Config{
			Image:  p.SiteImage,
			Labels: labels,
			Env:    env,
		},
		host: host,
	}, nil
}
