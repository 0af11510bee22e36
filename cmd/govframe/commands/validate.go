package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/builder"
	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/policy"
	"github.com/openfroyo/govframe/pkg/topology"
)

// validationReport is the outcome of validating a topology.
type validationReport struct {
	Partition    string             `json:"partition"`
	Environments []string           `json:"environments"`
	Regions      []string           `json:"regions"`
	Plugins      []string           `json:"plugins"`
	Pipelines    []string           `json:"pipelines"`
	Tasks        int                `json:"tasks"`
	Violations   []policy.Violation `json:"violations,omitempty"`
	Warnings     []policy.Violation `json:"warnings,omitempty"`
	Valid        bool               `json:"valid"`
}

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the topology and its plans",
		Long: `Validate the topology and the plans built from it.

This command checks:
  - Topology schema and cross-references
  - Plan construction (output references, run orders, dependencies)
  - Policy compliance of the topology and every plan

With --watch the topology and policy files are re-validated whenever they change.`,
		Example: `  # Validate the topology in the current directory
  govframe validate

  # Validate a CUE topology and keep watching it
  govframe validate --topology ./topology --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			err = a.validate(ctx, a.topo)
			if !watch {
				return err
			}

			if err := topology.Watch(ctx, topologyPath, a.logger, func(topo *topology.Topology, err error) {
				if err != nil {
					a.logger.Error().Err(err).Msg("Topology is invalid")
					return
				}
				if err := a.validate(ctx, topo); err != nil {
					a.logger.Error().Err(err).Msg("Validation failed")
				}
			}); err != nil {
				return err
			}
			if len(a.settings.Policies) > 0 {
				if err := a.policies.Watch(ctx, a.settings.Policies); err != nil {
					return err
				}
			}

			a.logger.Info().Str("topology", topologyPath).Msg("Watching for changes")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the topology or policies change")

	return cmd
}

func (a *app) validate(ctx context.Context, topo *topology.Topology) error {
	report := &validationReport{
		Partition:    topo.Partition,
		Environments: topo.Environments,
		Regions:      topo.DeployToRegions,
		Plugins:      topo.PluginNames(),
	}

	result, err := a.policies.EvaluateTopology(ctx, topo)
	if err != nil {
		return err
	}
	report.Violations = append(report.Violations, result.Violations...)
	report.Warnings = append(report.Warnings, result.Warnings...)

	plans, err := builder.New(topo, builder.WithLogger(a.tel.Logger.Component("builder"))).Plans()
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := engine.ValidatePlan(plan); err != nil {
			return fmt.Errorf("pipeline %s: %w", plan.Pipeline, err)
		}
		report.Pipelines = append(report.Pipelines, plan.Pipeline)
		report.Tasks += plan.TaskCount()

		result, err := a.policies.EvaluatePlan(ctx, plan, topo)
		if err != nil {
			return err
		}
		report.Violations = append(report.Violations, result.Violations...)
		report.Warnings = append(report.Warnings, result.Warnings...)
	}
	report.Valid = len(report.Violations) == 0

	if jsonOutput {
		if err := a.printJSON(report); err != nil {
			return err
		}
	} else {
		a.printValidation(report)
	}

	if !report.Valid {
		return engine.NewConfigurationError(fmt.Sprintf("topology has %d policy violations", len(report.Violations)), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (a *app) printValidation(r *validationReport) {
	fmt.Fprintf(a.out, "Partition:    %s\n", r.Partition)
	fmt.Fprintf(a.out, "Environments: %v\n", r.Environments)
	fmt.Fprintf(a.out, "Regions:      %v\n", r.Regions)
	fmt.Fprintf(a.out, "Plugins:      %v\n", r.Plugins)
	fmt.Fprintf(a.out, "Pipelines:    %d (%d tasks)\n", len(r.Pipelines), r.Tasks)

	for _, v := range r.Violations {
		fmt.Fprintf(a.out, "✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(a.out, "! [%s] %s: %s\n", w.Severity, w.Policy, w.Message)
	}

	if r.Valid {
		fmt.Fprintln(a.out, "✓ Topology is valid")
	}
}
