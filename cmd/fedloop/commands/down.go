package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/fedloop/internal/instance"
	"github.com/dyluth/fedloop/internal/printer"
)

func newDownCmd() *cobra.Command {
	var instanceName string
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop a fedloop instance",
		Long: `Stop and remove all Docker resources of a fedloop instance:
the Redis, coordinator, site and task containers, and the network.

The instance is inferred when only one exists. The command does not prompt
for confirmation.

Examples:
  fedloop down
  fedloop down --name prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			docker, closeDocker, err := newDocker(ctx)
			if err != nil {
				return err
			}
			defer closeDocker()

			name, err := instance.Resolve(ctx, docker, instanceName)
			switch {
			case errors.Is(err, instance.ErrNoInstances):
				return printer.Error("no fedloop instances found", "There is nothing to stop.", nil)
			case errors.Is(err, instance.ErrMultipleInstances):
				return printer.Error(
					"multiple instances found",
					err.Error(),
					[]string{"Specify which instance to stop:\n  fedloop down --name <instance-name>"},
				)
			case err != nil:
				return err
			}

			manager := &instance.Manager{Docker: docker, Step: printer.Step}
			removed, err := manager.Remove(ctx, name)
			if err != nil {
				return printer.Error(fmt.Sprintf("failed to remove instance '%s'", name), err.Error(), nil)
			}
			if removed == 0 {
				return printer.Error(
					fmt.Sprintf("instance '%s' not found", name),
					fmt.Sprintf("No containers found with instance name '%s'.", name),
					[]string{"Run 'fedloop list' to see available instances"},
				)
			}

			printer.Success("\nInstance '%s' removed successfully\n", name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&instanceName, "name", "n", "", "Target instance name (auto-inferred if omitted)")
	return cmd
}
