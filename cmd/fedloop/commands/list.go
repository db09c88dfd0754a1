package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/instance"
	"github.com/dyluth/fedloop/internal/printer"
	"github.com/dyluth/fedloop/internal/report"
)

func newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local fedloop instances",
		Long: `List fedloop instances by querying Docker for containers with the
fedloop.project label.

For each instance, displays its name, status (Running/Degraded/Stopped),
number of site containers, Redis port, uptime and configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			docker, closeDocker, err := newDocker(ctx)
			if err != nil {
				return err
			}
			defer closeDocker()

			infos, err := instance.List(ctx, docker, time.Now())
			if err != nil {
				return err
			}

			if asJSON {
				return report.FormatJSON(printer.Out(), infos)
			}
			if len(infos) == 0 {
				printer.Println("No fedloop instances found.")
				printer.Println()
				printer.Println("Run 'fedloop up' to start a new instance.")
				return nil
			}

			printer.Printf("%-20s %-10s %-6s %-6s %-10s %s\n", "INSTANCE", "STATUS", "SITES", "REDIS", "UPTIME", "CONFIG")
			for _, info := range infos {
				port := info.RedisPort
				if port == "" {
					port = "-"
				}
				printer.Printf("%-20s %-10s %-6d %-6s %-10s %s\n", info.Name, info.Status, info.Sites, port, info.Uptime, info.Config)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
