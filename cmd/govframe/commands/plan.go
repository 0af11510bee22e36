package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outDir    string
		dot       bool
		pipelines []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build the deployment plans",
		Long: `Build the deployment plans for the topology.

The core pipeline is built first, followed by one pipeline per environment.
Every plan is validated and checked against the loaded policies. Plans are
written as <pipeline>.json into the output directory, with an optional
<pipeline>.dot execution graph.`,
		Example: `  # Summarize the plans
  govframe plan

  # Write plans and execution graphs
  govframe plan --out ./plans --dot

  # Build a single pipeline
  govframe plan --pipeline environment-pipeline-prod --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			plans, err := a.checkedSource(ctx, a.planSource(pipelines))()
			if err != nil {
				return err
			}
			for _, plan := range plans {
				if err := engine.ValidatePlan(plan); err != nil {
					return fmt.Errorf("pipeline %s: %w", plan.Pipeline, err)
				}
			}

			if outDir != "" {
				if err := writePlans(outDir, plans, dot); err != nil {
					return err
				}
			}

			if jsonOutput {
				return a.printJSON(plans)
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PIPELINE\tENVIRONMENT\tSTAGES\tTASKS\tWARNINGS")
			for _, plan := range plans {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					plan.Pipeline, plan.Environment, len(plan.Stages), plan.TaskCount(), len(plan.Warnings))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write plan files to")
	cmd.Flags().BoolVar(&dot, "dot", false, "also write DOT execution graphs")
	cmd.Flags().StringSliceVarP(&pipelines, "pipeline", "p", nil, "limit to specific pipelines")

	return cmd
}

func writePlans(dir string, plans []*engine.Plan, dot bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	for _, plan := range plans {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan %s: %w", plan.Pipeline, err)
		}
		file := filepath.Join(dir, plan.Pipeline+".json")
		if err := os.WriteFile(file, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
		log.Info().Str("file", file).Int("tasks", plan.TaskCount()).Msg("Plan written")

		if !dot {
			continue
		}
		graph, err := engine.NewPlanGraph(plan)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", plan.Pipeline, err)
		}
		file = filepath.Join(dir, plan.Pipeline+".dot")
		if err := os.WriteFile(file, []byte(graph.ToDOT()), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return nil
}
