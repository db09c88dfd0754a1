package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/config"
	"github.com/dyluth/fedloop/internal/printer"
	"github.com/dyluth/fedloop/internal/report"
)

type sitesOptions struct {
	target     targetOptions
	staleAfter time.Duration
	json       bool
}

func newSitesCmd(g *globalOptions) *cobra.Command {
	o := &sitesOptions{}
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List the sites registered with an instance",
		Long: `List the sites that have registered with an instance's blackboard, with
the time of their last heartbeat. Sites not heard from within
--stale-after are marked stale; the coordinator does not dispatch to them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := o.target.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			sites, err := client.ListSites(ctx, 0)
			if err != nil {
				return err
			}
			if o.json {
				return report.FormatJSON(printer.Out(), sites)
			}
			report.FormatSitesTable(printer.Out(), sites, client.InstanceName(), o.staleAfter, time.Now())
			return nil
		},
	}
	o.target.addFlags(cmd)
	cmd.Flags().DurationVar(&o.staleAfter, "stale-after", config.DefaultSiteStaleAfter, "Mark sites silent for longer than this as stale")
	cmd.Flags().BoolVar(&o.json, "json", false, "Output in JSON format")
	return cmd
}
