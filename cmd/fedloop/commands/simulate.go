package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/config"
	dockerpkg "github.com/dyluth/fedloop/internal/docker"
	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/job"
	"github.com/dyluth/fedloop/internal/logging"
	"github.com/dyluth/fedloop/internal/orchestrator"
	"github.com/dyluth/fedloop/internal/printer"
	"github.com/dyluth/fedloop/internal/report"
	"github.com/dyluth/fedloop/internal/site"
	"github.com/dyluth/fedloop/internal/transport"
)

// simulateInstance labels task containers started by simulate.
const simulateInstance = "simulate"

// newSiteRuntime opens the Docker runtime used by image sites. Tests replace it.
var newSiteRuntime = func(ctx context.Context) (site.Runtime, func() error, error) {
	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	return site.NewDockerRuntime(cli), cli.Close, nil
}

type simulateOptions struct {
	rounds int
}

func newSimulateCmd(g *globalOptions) *cobra.Command {
	o := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the job in-process against the configured sites",
		Long: `Run the whole job without Redis: every site in fedloop.yml runs in this
process, either as its command (one subprocess per task) or, for sites
with an image, as one container per task.

The best artifact is written to job.output_path and rounds are recorded
in history.path, exactly as the coordinator does.

Examples:
  # Run the configured job
  fedloop simulate

  # Quick smoke test with two rounds
  fedloop simulate --rounds 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cfg, o)
		},
	}
	cmd.Flags().IntVar(&o.rounds, "rounds", 0, "Override job.num_rounds")
	return cmd
}

func runSimulate(ctx context.Context, cfg *config.FedloopConfig, o *simulateOptions) error {
	if len(cfg.Sites) == 0 {
		return printer.Error(
			"no sites configured",
			"simulate runs the sites listed under 'sites:' in fedloop.yml.",
			[]string{"Add a site, for example:\n  sites:\n    site-1:\n      command: [\"python3\", \"train.py\"]"},
		)
	}
	if o.rounds < 0 {
		return printer.Error("invalid --rounds", fmt.Sprintf("--rounds must be positive, got %d", o.rounds), nil)
	}
	if o.rounds > 0 {
		cfg.Job.NumRounds = o.rounds
	}

	logger, err := logging.New(cfg.Logging.WithEnv())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	tr, cleanup, err := localSites(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	j, err := job.New(job.Options{Config: cfg, Transport: tr, Logger: logger})
	if err != nil {
		return printer.Error("failed to build job", err.Error(), nil)
	}
	defer j.Close()

	printer.Step("Simulating job '%s' with %d site(s) for %d round(s)...\n", cfg.Job.Name, len(cfg.Sites), cfg.Coordinator().NumRounds)

	best, err := j.Coordinator.Run(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrAborted):
		printer.Warning("simulation aborted\n")
		return err
	case err != nil:
		return printer.Error("simulation failed", err.Error(), nil)
	}

	printSimulateResult(cfg, best)
	return nil
}

// localSites registers every configured site on a local transport.
func localSites(ctx context.Context, cfg *config.FedloopConfig, logger *zap.Logger) (*transport.Local, func(), error) {
	ids := make([]string, 0, len(cfg.Sites))
	needsDocker := false
	for id, s := range cfg.Sites {
		ids = append(ids, id)
		needsDocker = needsDocker || s.Image != ""
	}
	sort.Strings(ids)

	cleanup := func() {}
	var runtime site.Runtime
	if needsDocker {
		rt, closeRuntime, err := newSiteRuntime(ctx)
		if err != nil {
			return nil, nil, printer.Error("Docker is required", fmt.Sprintf("Sites with an image run in containers: %v", err), nil)
		}
		runtime = rt
		cleanup = func() { closeRuntime() }
	}

	tr := transport.NewLocal(len(ids), logger)
	for _, id := range ids {
		s := cfg.Sites[id]
		siteLogger := logger.With(zap.String("site_id", id))

		var exec site.Executor
		if s.Image != "" {
			exec = &site.ContainerExecutor{
				Runtime:      runtime,
				InstanceName: simulateInstance,
				SiteID:       id,
				Image:        s.Image,
				Command:      s.Command,
				Env:          s.Environment,
				Timeout:      s.Timeout,
				Logger:       siteLogger,
			}
		} else {
			workdir := cfg.Resolve(s.Workdir)
			if workdir == "" {
				workdir = cfg.Dir
			}
			exec = &site.CommandExecutor{
				SiteID:  id,
				Command: s.Command,
				Workdir: workdir,
				Env:     s.Environment,
				Timeout: s.Timeout,
				Logger:  siteLogger,
			}
		}
		tr.Register(id, exec.Execute)
	}
	return tr, cleanup, nil
}

func printSimulateResult(cfg *config.FedloopConfig, best *flow.Artifact) {
	if best == nil {
		printer.Warning("job finished without a best artifact\n")
		return
	}
	printer.Success("Job '%s' finished\n\n", cfg.Job.Name)
	printer.Printf("Best round:   %d\n", best.Round)
	printer.Printf("Contributors: %d\n", best.Contributors)
	printer.Printf("Metrics:      %s\n", report.MetricsLine(best.Metrics))
	if cfg.Job.OutputPath != "" {
		printer.Printf("Saved to:     %s\n", cfg.Resolve(cfg.Job.OutputPath))
	}
	if cfg.History.Path != "" {
		printer.Printf("\nInspect rounds with:\n  fedloop history\n")
	}
}
