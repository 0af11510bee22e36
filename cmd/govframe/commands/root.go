package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	topologyPath string
	simulate     bool
	verbose      bool
	jsonOutput   bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "govframe",
		Short: "govframe - multi-account cloud framework provisioning",
		Long: `govframe bootstraps a compliant multi-account cloud framework.

It reads a topology of accounts, regions, environments and plugins, builds
ordered deployment plans from it, and provisions the organization:
  - Verifies notification subscriptions and credentials
  - Creates the organization, organizational units and core accounts
  - Invites accounts into the security services
  - Deploys the framework pipelines and reports the outcome`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default govframe.yaml)")
	rootCmd.PersistentFlags().StringVarP(&topologyPath, "topology", "t", "topology.yaml", "topology file or CUE directory")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "run against the in-memory simulated provider")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newVendCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
