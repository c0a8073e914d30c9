// Command vigil is a host monitoring daemon: it collects agent, SNMP and
// management-board data, discovers services with check plugins and
// evaluates them on a schedule.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HerbHall/vigil/internal/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Without a subcommand vigil serves.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "vigil",
		Short: "Check-plugin based host monitoring",
		Long: `vigil collects agent, SNMP and management-board data from the configured
hosts, discovers their services with check plugins and evaluates them on a
fixed interval.

Running vigil without a command starts the daemon.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.SetVersionTemplate(version.Info() + "\n")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newDiscoverCmd(&configPath),
		newCheckCmd(&configPath),
		newPluginsCmd(),
		newTokenCmd(&configPath),
		newBackupCmd(&configPath),
		newRestoreCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Info())
			},
		},
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}
