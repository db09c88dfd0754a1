package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/history"
	"github.com/dyluth/fedloop/internal/printer"
	"github.com/dyluth/fedloop/internal/report"
	"github.com/dyluth/fedloop/internal/timespec"
)

type historyOptions struct {
	db     string
	job    string
	output string
	since  string
	until  string
	limit  int
	best   bool
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	o := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the rounds recorded for a job",
		Long: `Show completed rounds from the round history database (history.path in
fedloop.yml). The round that produced each new best artifact is marked
with '*'.

Output Formats:
  default - Table with round, contributors, age and metrics
  jsonl   - Line-delimited JSON, one round per line

Time Filters:
  --since  - Rounds completed after this time (duration or RFC3339)
  --until  - Rounds completed before this time

Examples:
  # All rounds of the configured job
  fedloop history

  # Rounds from the last hour as JSONL
  fedloop history --since 1h --output jsonl | jq .metrics.loss

  # The round of the current best artifact
  fedloop history --best`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseOutputFormat(o.output)
			if err != nil {
				return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
			}
			since, until, err := timespec.ParseRange(o.since, o.until, time.Now())
			if err != nil {
				return printer.Error(
					"invalid time filter",
					err.Error(),
					[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
				)
			}
			if o.limit < 0 {
				return printer.Error("invalid --limit", fmt.Sprintf("--limit must be >= 0, got %d", o.limit), nil)
			}

			path, job := o.db, o.job
			if path == "" || job == "" {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				if path == "" {
					path = cfg.Resolve(cfg.History.Path)
				}
				if job == "" {
					job = cfg.Job.Name
				}
			}
			if path == "" {
				return printer.Error(
					"round history is disabled",
					"fedloop.yml has no history.path, so no rounds were recorded.",
					[]string{"Enable it:\n  history:\n    path: history.db", "Or point at a database:\n  fedloop history --db path/to/history.db"},
				)
			}

			if _, err := os.Stat(path); err != nil {
				return printer.Error(
					"no round history found",
					fmt.Sprintf("%s does not exist yet.", path),
					[]string{"Rounds are recorded once a coordinator or 'fedloop simulate' has run"},
				)
			}

			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			var records []history.RoundRecord
			if o.best {
				record, err := store.Best(ctx, job)
				if err != nil {
					return err
				}
				if record != nil {
					records = append(records, *record)
				}
			} else {
				records, err = store.List(ctx, history.Filter{Job: job, Since: since, Until: until, Limit: o.limit})
				if err != nil {
					return err
				}
			}
			return report.Rounds(printer.Out(), records, job, format)
		},
	}
	cmd.Flags().StringVar(&o.db, "db", "", "History database (default: history.path from fedloop.yml)")
	cmd.Flags().StringVar(&o.job, "job", "", "Job name (default: job.name from fedloop.yml)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "default", "Output format: default or jsonl")
	cmd.Flags().StringVar(&o.since, "since", "", "Show rounds after time (duration or RFC3339)")
	cmd.Flags().StringVar(&o.until, "until", "", "Show rounds before time (duration or RFC3339)")
	cmd.Flags().IntVar(&o.limit, "limit", 0, "Show only the most recent N rounds (0 = all)")
	cmd.Flags().BoolVar(&o.best, "best", false, "Show only the round of the best artifact")
	return cmd
}
