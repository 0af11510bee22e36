package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/executor"
	"github.com/openfroyo/govframe/pkg/outputs"
	"github.com/openfroyo/govframe/pkg/topology"
)

// PlanSource builds the plans a deployer runs.
type PlanSource func() ([]*engine.Plan, error)

// PlanDeployer runs the built plans in-process, core pipeline first.
type PlanDeployer struct {
	Topology *topology.Topology
	Provider engine.CapabilityProvider
	Plans    PlanSource

	// Check is applied to every plan before any of them runs.
	Check func(*engine.Plan) error

	// Artifacts returns the artifact store of a plan's output registry for
	// one run. Outputs are write-once, so every run needs its own location
	// (see ArtifactPath). Defaults to an in-memory store.
	Artifacts func(runID string, plan *engine.Plan) (outputs.ArtifactStore, error)

	Timeouts      executor.Timeouts
	RunnerOptions []engine.RunnerOption
	Tracer        trace.Tracer
	Logger        zerolog.Logger
}

// ArtifactPath is the slash-separated location of a plan's artifacts for
// one run, relative to the artifact root.
func ArtifactPath(runID string, plan *engine.Plan) string {
	return path.Join(plan.Pipeline, runID)
}

// Deploy implements Deployer.
func (d *PlanDeployer) Deploy(ctx context.Context, runID string) (map[string]interface{}, error) {
	plans, err := d.Plans()
	if err != nil {
		return nil, err
	}
	if d.Check != nil {
		for _, plan := range plans {
			if err := d.Check(plan); err != nil {
				return nil, err
			}
		}
	}

	timeouts := d.Timeouts
	if timeouts == (executor.Timeouts{}) {
		timeouts = executor.DefaultTimeouts()
	}

	pipelines := make([]string, 0, len(plans))
	tasks := 0
	for _, plan := range plans {
		artifacts := outputs.ArtifactStore(outputs.NewMemoryArtifactStore())
		if d.Artifacts != nil {
			if artifacts, err = d.Artifacts(runID, plan); err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", plan.Pipeline, err)
			}
		}
		registry := outputs.NewRegistry(d.Topology,
			outputs.WithArtifactStore(artifacts),
			outputs.WithLogger(d.Logger),
		)

		opts := []executor.Option{executor.WithTimeouts(timeouts), executor.WithLogger(d.Logger)}
		if d.Tracer != nil {
			opts = append(opts, executor.WithTracer(d.Tracer))
		}
		exec := executor.New(d.Provider, registry, opts...)

		runnerOpts := append([]engine.RunnerOption{engine.WithLogger(d.Logger)}, d.RunnerOptions...)
		result, err := engine.NewRunner(exec, runnerOpts...).Run(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", plan.Pipeline, err)
		}

		d.Logger.Info().
			Str("provision_run", runID).
			Str("pipeline", plan.Pipeline).
			Int("tasks", result.Summary.Succeeded).
			Msg("Pipeline deployed")
		pipelines = append(pipelines, plan.Pipeline)
		tasks += result.Summary.Succeeded
	}

	return map[string]interface{}{
		"pipelines": pipelines,
		"tasks":     tasks,
	}, nil
}

// ExternalDeployer hands the built plans to an external pipeline service
// instead of running them.
type ExternalDeployer struct {
	Topology *topology.Topology
	Caller   Caller
	Plans    PlanSource
}

// DeploymentKey is the object key the plans of a run are uploaded under.
func DeploymentKey(runID string) string {
	return "deployments/" + runID + ".json"
}

// Deploy implements Deployer.
func (d *ExternalDeployer) Deploy(ctx context.Context, runID string) (map[string]interface{}, error) {
	plans, err := d.Plans()
	if err != nil {
		return nil, err
	}
	if d.Topology.Artifacts.Bucket == "" {
		return nil, engine.NewConfigurationError("external deployment requires an artifact bucket", nil)
	}

	document, err := json.Marshal(plans)
	if err != nil {
		return nil, engine.NewExecutionError("failed to encode plans", err)
	}

	res, err := d.Caller.Call(ctx, engine.Invocation{
		Capability: engine.CapabilityStartDeployment,
		Kind:       engine.TaskInvokeCapability,
		TaskID:     "provision/" + engine.CapabilityStartDeployment,
		Account:    d.Topology.Central.AccountID,
		Region:     d.Topology.Core.PrimaryRegion,
		Parameters: map[string]interface{}{
			"bucketName": d.Topology.Artifacts.Bucket,
			"key":        DeploymentKey(runID),
			"document":   string(document),
			"kmsKeyId":   d.Topology.Artifacts.KMSKeyID,
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"deployment_id": res.Outputs["deploymentId"],
		"plans":         len(plans),
	}, nil
}
