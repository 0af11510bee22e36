package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/config"
)

func newApplyCommand() *cobra.Command {
	var (
		pipelines   []string
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run the deployment plans",
		Long: `Build the deployment plans and run them in-process, core pipeline first.

Unlike 'provision', apply assumes the organization and core accounts already
exist: it only runs the pipelines. Stages run in order; tasks sharing a run
order run concurrently. Every task result is recorded in the run store.`,
		Example: `  # Run every pipeline
  govframe apply

  # Re-run one environment with limited parallelism
  govframe apply --pipeline environment-pipeline-prod --parallelism 4

  # Rehearse against the simulated provider
  govframe apply --simulate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if parallelism > 0 {
				a.settings.Parallelism = parallelism
			}
			// apply always runs in-process
			a.settings.DeployMode = config.DeployModeRunner

			ctx := cmd.Context()
			provider, err := a.provider(ctx)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			deployer, err := a.deployer(ctx, provider, a.caller(provider), store, pipelines)
			if err != nil {
				return err
			}

			runID := uuid.New().String()
			a.logger.Info().
				Str("run_id", runID).
				Strs("pipelines", pipelines).
				Int("parallelism", a.settings.Parallelism).
				Msg("Applying plans")

			data, err := deployer.Deploy(ctx, runID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return a.printJSON(data)
			}
			fmt.Fprintf(a.out, "✓ Applied %v (%v tasks)\n", data["pipelines"], data["tasks"])
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&pipelines, "pipeline", "p", nil, "limit to specific pipelines")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent tasks per run order (default from settings)")

	return cmd
}
