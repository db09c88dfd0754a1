package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/printer"
)

var versionString = "dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
}

// NewRootCmd builds the fedloop command tree.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "fedloop",
		Short: "fedloop - federated round orchestration",
		Long: `fedloop runs federated learning jobs: a coordinator broadcasts the current
artifact to a set of sites, waits for a quorum of results, aggregates them
and keeps the best artifact across rounds.

Sites and the coordinator talk through a Redis blackboard. 'fedloop up'
starts a complete local instance in Docker; 'fedloop simulate' runs the
whole job in-process.`,
		Version: versionString,
		// Show help instead of silently succeeding on unknown input
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "f", "", "Path to fedloop.yml (default $FEDLOOP_CONFIG or ./fedloop.yml)")

	root.AddCommand(
		newValidateCmd(g),
		newSimulateCmd(g),
		newBestCmd(g),
		newSitesCmd(g),
		newHistoryCmd(g),
		newUpCmd(g),
		newDownCmd(),
		newListCmd(),
	)
	return root
}

// Execute runs the CLI. Every error is reported on stderr by the time it
// returns.
func Execute() error {
	return execute(context.Background(), NewRootCmd())
}

func execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if err != nil && !printer.Reported(err) {
		printer.Error("Error", err.Error(), nil)
	}
	return err
}

// SetVersionInfo sets the version shown by --version.
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
