package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/config"
	dockerpkg "github.com/dyluth/fedloop/internal/docker"
	"github.com/dyluth/fedloop/internal/instance"
	"github.com/dyluth/fedloop/internal/orchestrator"
	"github.com/dyluth/fedloop/internal/printer"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// connectTimeout bounds the Redis ping made before any blackboard command.
const connectTimeout = 5 * time.Second

// newDocker opens the Docker API. Tests replace it.
var newDocker = func(ctx context.Context) (instance.Docker, func() error, error) {
	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	return instance.NewDocker(cli), cli.Close, nil
}

// path returns the configuration path selected by --config or the environment.
func (g *globalOptions) path() string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.PathFromEnv()
}

// loadConfig loads fedloop.yml and reports failures through the printer.
func (g *globalOptions) loadConfig() (*config.FedloopConfig, error) {
	path := g.path()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, printer.Error(
				fmt.Sprintf("%s not found", path),
				"No fedloop configuration file was found.",
				[]string{"Point at one explicitly:\n  fedloop --config path/to/fedloop.yml <command>"},
			)
		}
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}
	return cfg, nil
}

// jobName returns flagValue, else the job named in fedloop.yml when it loads,
// else the default job.
func (g *globalOptions) jobName(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg, err := config.Load(g.path()); err == nil {
		return cfg.Job.Name
	}
	return orchestrator.DefaultJob
}

// targetOptions select the blackboard a command talks to: an explicit Redis
// URL, or the Redis of a local instance found through Docker.
type targetOptions struct {
	instanceName string
	redisURL     string
}

func (o *targetOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.instanceName, "name", "n", "", "Target instance name (auto-inferred if omitted)")
	cmd.Flags().StringVar(&o.redisURL, "redis-url", "", "Connect to this Redis instead of a local instance (requires --name)")
}

// connect returns a blackboard client for the selected instance.
func (o *targetOptions) connect(ctx context.Context) (*blackboard.Client, error) {
	name, redisURL := o.instanceName, o.redisURL

	if redisURL != "" {
		if name == "" {
			return nil, printer.Error(
				"instance name required",
				"--redis-url needs the instance name to select its keys.",
				[]string{"Add --name <instance-name>"},
			)
		}
	} else {
		var err error
		if name, redisURL, err = discoverRedis(ctx, name); err != nil {
			return nil, err
		}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client, err := blackboard.NewClient(opts, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create blackboard client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			map[string]string{"Instance": name},
			[]string{
				fmt.Sprintf("Check Redis container status:\n  docker logs %s", dockerpkg.RedisContainerName(name)),
				fmt.Sprintf("Restart if needed:\n  fedloop down --name %s\n  fedloop up --name %s", name, name),
			},
		)
	}
	return client, nil
}

func discoverRedis(ctx context.Context, name string) (string, string, error) {
	docker, closeDocker, err := newDocker(ctx)
	if err != nil {
		return "", "", err
	}
	defer closeDocker()

	name, err = instance.Resolve(ctx, docker, name)
	switch {
	case errors.Is(err, instance.ErrNoInstances):
		return "", "", printer.Error(
			"no fedloop instances found",
			"No local instances are running.",
			[]string{"Start an instance first:\n  fedloop up", "Or connect directly:\n  --name <instance> --redis-url redis://host:6379"},
		)
	case errors.Is(err, instance.ErrMultipleInstances):
		return "", "", printer.Error(
			"multiple instances found",
			err.Error(),
			[]string{"Specify which instance:\n  --name <instance-name>", "List instances:\n  fedloop list"},
		)
	case err != nil:
		return "", "", fmt.Errorf("failed to find instance: %w", err)
	}

	if err := instance.VerifyRunning(ctx, docker, name); err != nil {
		return "", "", printer.Error(
			fmt.Sprintf("instance '%s' is not running", name),
			err.Error(),
			[]string{fmt.Sprintf("Restart the instance:\n  fedloop down --name %s\n  fedloop up --name %s", name, name)},
		)
	}

	port, err := instance.RedisPort(ctx, docker, name)
	if err != nil {
		return "", "", fmt.Errorf("failed to find Redis port: %w", err)
	}
	return name, instance.RedisURL(port), nil
}
