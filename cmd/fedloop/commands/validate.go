package commands

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/config"
	"github.com/dyluth/fedloop/internal/printer"
)

func newValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check fedloop.yml",
		Long: `Load fedloop.yml with strict validation and print the resolved job.

Unknown keys, invalid enums and out-of-range values are reported
without contacting Redis or Docker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			printConfigSummary(cfg)
			printer.Success("%s is valid\n", g.path())
			return nil
		},
	}
}

func printConfigSummary(cfg *config.FedloopConfig) {
	coord := cfg.Coordinator()
	printer.Printf("Job:         %s\n", coord.Job)
	printer.Printf("Rounds:      %d (starting at %d)\n", coord.NumRounds, coord.FirstRound())
	printer.Printf("Min clients: %d\n", coord.MinClients)
	printer.Printf("Weighting:   %s\n", coord.Weighting)
	if len(coord.EarlyStopMetrics) > 0 {
		keys := make([]string, 0, len(coord.EarlyStopMetrics))
		for k := range coord.EarlyStopMetrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		printer.Printf("Early stop:  %s\n", strings.Join(keys, ", "))
	}

	if len(cfg.Sites) == 0 {
		printer.Printf("Sites:       none configured\n\n")
		return
	}
	ids := make([]string, 0, len(cfg.Sites))
	for id := range cfg.Sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	printer.Printf("Sites:\n")
	for _, id := range ids {
		site := cfg.Sites[id]
		if site.Image != "" {
			printer.Printf("  • %s (image %s)\n", id, site.Image)
		} else {
			printer.Printf("  • %s (%s)\n", id, strings.Join(site.Command, " "))
		}
	}
	printer.Println()
}
