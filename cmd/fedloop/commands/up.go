package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/config"
	dockerpkg "github.com/dyluth/fedloop/internal/docker"
	"github.com/dyluth/fedloop/internal/instance"
	"github.com/dyluth/fedloop/internal/printer"
)

type upOptions struct {
	instanceName     string
	coordinatorImage string
	siteImage        string
}

func newUpCmd(g *globalOptions) *cobra.Command {
	o := &upOptions{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start a local fedloop instance",
		Long: `Start a fedloop instance in Docker for the job in fedloop.yml.

Creates and starts:
  • Isolated Docker network
  • Redis container (blackboard), published on 127.0.0.1
  • Coordinator container running the job
  • One site agent container per site with an image

Sites configured with only a command are not started; run them with
fedloop-site or use 'fedloop simulate'.

The instance name is auto-generated (default-N) unless specified with --name.
Any failure removes everything created so far.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			configPath, err := filepath.Abs(g.path())
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			return runUp(cmd.Context(), cfg, configPath, o)
		},
	}
	cmd.Flags().StringVarP(&o.instanceName, "name", "n", "", "Instance name (auto-generated if omitted)")
	cmd.Flags().StringVar(&o.coordinatorImage, "coordinator-image", "", "Coordinator image (default: services.coordinator.image)")
	cmd.Flags().StringVar(&o.siteImage, "site-image", "", "Site agent image (default: services.site.image)")
	return cmd
}

func runUp(ctx context.Context, cfg *config.FedloopConfig, configPath string, o *upOptions) error {
	docker, closeDocker, err := newDocker(ctx)
	if err != nil {
		return err
	}
	defer closeDocker()

	name := o.instanceName
	if name == "" {
		if name, err = instance.GenerateDefaultName(ctx, docker); err != nil {
			return fmt.Errorf("failed to generate instance name: %w", err)
		}
	}
	if err := instance.ValidateName(name); err != nil {
		return printer.Error("invalid instance name", err.Error(), nil)
	}

	collision, err := instance.CheckNameCollision(ctx, docker, name)
	if err != nil {
		return err
	}
	if collision {
		return printer.Error(
			fmt.Sprintf("instance '%s' already exists", name),
			"Found existing containers with this instance name.",
			[]string{
				fmt.Sprintf("Stop the existing instance:\n  fedloop down --name %s", name),
				"Choose a different name:\n  fedloop up --name other-name",
			},
		)
	}

	plan, err := buildPlan(cfg, configPath, name, o)
	if err != nil {
		return err
	}

	port, err := instance.FindNextAvailablePort(ctx, docker)
	if err != nil {
		return printer.Error("failed to allocate Redis port", err.Error(), []string{"Stop unused instances:\n  fedloop list\n  fedloop down --name <instance>"})
	}
	plan.RedisPort = port

	for _, image := range plan.Images() {
		printer.Step("Checking image %s...\n", image)
		if err := docker.EnsureImage(ctx, image); err != nil {
			return printer.Error("image not available", err.Error(), []string{"Build or pull the image, or override it with --coordinator-image / --site-image"})
		}
	}

	manager := &instance.Manager{Docker: docker, Step: printer.Step}
	if err := manager.Create(ctx, plan); err != nil {
		printer.Warning("Resource creation failed. Rolling back...\n")
		// The caller's context may be cancelled already
		if _, rollbackErr := manager.Remove(context.WithoutCancel(ctx), name); rollbackErr != nil {
			printer.Warning("rollback encountered errors: %v\n", rollbackErr)
		}
		return printer.Error("failed to create instance", err.Error(), nil)
	}

	printUpSuccess(plan, cfg)
	return nil
}

func buildPlan(cfg *config.FedloopConfig, configPath, name string, o *upOptions) (*instance.Plan, error) {
	plan := &instance.Plan{
		Name:             name,
		RunID:            dockerpkg.GenerateRunID(),
		ConfigPath:       configPath,
		RedisImage:       cfg.RedisImage(),
		CoordinatorImage: firstNonEmpty(o.coordinatorImage, cfg.CoordinatorImage()),
		SiteImage:        firstNonEmpty(o.siteImage, cfg.SiteImage()),
		InputRoot:        filepath.Join(filepath.Dir(configPath), ".fedloop", name),
	}

	ids := make([]string, 0, len(cfg.Sites))
	for id := range cfg.Sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := cfg.Sites[id]
		plan.Sites = append(plan.Sites, instance.SitePlan{
			ID:          id,
			Image:       s.Image,
			Command:     s.Command,
			Environment: s.Environment,
			Timeout:     s.Timeout,
		})
	}

	if plan.CoordinatorImage == "" {
		return nil, printer.Error(
			"no coordinator image",
			"fedloop up runs the coordinator in a container.",
			[]string{"Set it in fedloop.yml:\n  services:\n    coordinator:\n      image: fedloop-coordinator:latest", "Or pass --coordinator-image"},
		)
	}
	if len(plan.ImageSites()) > 0 && plan.SiteImage == "" {
		return nil, printer.Error(
			"no site agent image",
			"Sites with an image are driven by a site agent container.",
			[]string{"Set it in fedloop.yml:\n  services:\n    site:\n      image: fedloop-site:latest", "Or pass --site-image"},
		)
	}
	return plan, nil
}

func printUpSuccess(plan *instance.Plan, cfg *config.FedloopConfig) {
	name := plan.Name
	printer.Success("\nInstance '%s' started successfully\n\n", name)
	printer.Printf("Containers:\n")
	printer.Printf("  • %s (127.0.0.1:%d)\n", dockerpkg.RedisContainerName(name), plan.RedisPort)
	printer.Printf("  • %s\n", dockerpkg.CoordinatorContainerName(name))
	for _, id := range plan.ImageSites() {
		printer.Printf("  • %s\n", dockerpkg.SiteContainerName(name, id))
	}
	printer.Printf("\nNetwork:\n  • %s\n\n", dockerpkg.NetworkName(name))

	var external []string
	for _, s := range plan.Sites {
		if s.Image == "" {
			external = append(external, s.ID)
		}
	}
	if len(external) > 0 {
		printer.Printf("Sites to start yourself: %v\n", external)
		printer.Printf("  FEDLOOP_INSTANCE_NAME=%s REDIS_URL=%s FEDLOOP_SITE_ID=<id> FEDLOOP_SITE_COMMAND='[...]' fedloop-site\n\n",
			name, instance.RedisURL(plan.RedisPort))
	}

	printer.Printf("Next steps:\n")
	printer.Printf("  1. Run 'fedloop sites --name %s' to see registered sites\n", name)
	printer.Printf("  2. Run 'fedloop best --name %s --job %s' once rounds complete\n", name, cfg.Job.Name)
	printer.Printf("  3. Run 'fedloop down --name %s' when finished\n", name)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
