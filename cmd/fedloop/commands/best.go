package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/persist"
	"github.com/dyluth/fedloop/internal/printer"
	"github.com/dyluth/fedloop/internal/report"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

type bestOptions struct {
	target targetOptions
	job    string
	file   string
	latest bool
}

func newBestCmd(g *globalOptions) *cobra.Command {
	o := &bestOptions{}
	cmd := &cobra.Command{
		Use:   "best",
		Short: "Print the best artifact of a job",
		Long: `Print the best artifact of a job as JSON.

By default the artifact is read from the instance's blackboard. With --file
it is read from a file written by the coordinator (job.output_path).

Examples:
  # Best artifact of the configured job on the only running instance
  fedloop best

  # Most recent artifact rather than the best one
  fedloop best --latest --name prod

  # Read a saved artifact
  fedloop best --file out/best.json | jq .metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.file != "" {
				artifact, err := persist.LoadFile(o.file)
				if err != nil {
					return printer.Error("failed to read artifact", err.Error(), nil)
				}
				return report.FormatJSON(printer.Out(), artifact)
			}
			return runBest(cmd.Context(), g.jobName(o.job), o)
		},
	}
	o.target.addFlags(cmd)
	cmd.Flags().StringVar(&o.job, "job", "", "Job name (default: job.name from fedloop.yml)")
	cmd.Flags().StringVar(&o.file, "file", "", "Read the artifact from this file instead of Redis")
	cmd.Flags().BoolVar(&o.latest, "latest", false, "Print the most recent artifact instead of the best")
	return cmd
}

func runBest(ctx context.Context, job string, o *bestOptions) error {
	client, err := o.target.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var record *blackboard.Artifact
	if o.latest {
		record, err = client.GetLatestArtifact(ctx, job)
	} else {
		record, err = client.GetBestArtifact(ctx, job)
	}
	if errors.Is(err, redis.Nil) {
		return printer.Error(
			fmt.Sprintf("no artifact for job '%s'", job),
			"The coordinator has not persisted an artifact for this job yet.",
			[]string{"Check progress with:\n  fedloop history"},
		)
	}
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	artifact, err := persist.FromRecord(record)
	if err != nil {
		return err
	}
	return report.FormatJSON(printer.Out(), struct {
		ID  string `json:"id"`
		Job string `json:"job"`
		*flow.Artifact
		CreatedAtMs int64 `json:"created_at_ms"`
	}{record.ID, record.Job, artifact, record.CreatedAtMs})
}
