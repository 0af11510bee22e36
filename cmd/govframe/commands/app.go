package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/builder"
	"github.com/openfroyo/govframe/pkg/config"
	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/executor"
	"github.com/openfroyo/govframe/pkg/notify"
	"github.com/openfroyo/govframe/pkg/outputs"
	"github.com/openfroyo/govframe/pkg/policy"
	awsprovider "github.com/openfroyo/govframe/pkg/providers/aws"
	"github.com/openfroyo/govframe/pkg/providers/simulated"
	"github.com/openfroyo/govframe/pkg/provision"
	"github.com/openfroyo/govframe/pkg/stores"
	"github.com/openfroyo/govframe/pkg/telemetry"
	"github.com/openfroyo/govframe/pkg/topology"
)

// app holds what every command shares: settings, telemetry, the topology
// and the policy engine.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	topo     *topology.Topology
	policies *policy.Engine
	out      io.Writer

	awsCfg *aws.Config
}

func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()

	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Telemetry.LogLevel = "debug"
	}

	tel, err := telemetry.NewTelemetry(telemetry.FromSettings(settings.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()

	a := &app{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
		out:      cmd.OutOrStdout(),
	}

	topo, err := topology.Load(topologyPath)
	if err != nil {
		a.close()
		return nil, err
	}
	a.topo = topo

	policies, err := policy.NewEngine(tel.Logger.Component("policy"))
	if err != nil {
		a.close()
		return nil, err
	}
	if len(settings.Policies) > 0 {
		if err := policies.LoadPolicies(ctx, settings.Policies); err != nil {
			a.close()
			return nil, err
		}
	}
	a.policies = policies

	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// sdkConfig loads the base AWS configuration used by the notification and
// artifact clients.
func (a *app) sdkConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(a.settings.AWS.Region)}
	if a.settings.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(a.settings.AWS.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, engine.NewConfigurationError("failed to load AWS config", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

func (a *app) provider(ctx context.Context) (engine.CapabilityProvider, error) {
	if simulate {
		return simulated.New(simulated.WithLogger(a.tel.Logger.Component("simulated"))), nil
	}

	return awsprovider.New(ctx, awsprovider.Config{
		Partition:         a.topo.Partition,
		Region:            a.settings.AWS.Region,
		Profile:           a.settings.AWS.Profile,
		CentralAccountID:  a.topo.Central.AccountID,
		AccountAccessRole: a.settings.AWS.AssumeRoleName,
		SourceBucket:      a.settings.Artifacts.SourceBucket,
		ArtifactPrefix:    a.settings.Artifacts.Prefix,
	}, awsprovider.WithLogger(a.tel.Logger.Component("aws")))
}

func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, a.settings.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return store, nil
}

func (a *app) timeouts() executor.Timeouts {
	return executor.Timeouts{
		Control: a.settings.Timeouts.Control,
		Account: a.settings.Timeouts.Account,
		Deploy:  a.settings.Timeouts.Deploy,
	}
}

// caller builds an executor for capability calls made outside a plan.
func (a *app) caller(provider engine.CapabilityProvider) *executor.Executor {
	return executor.New(provider, nil,
		executor.WithTimeouts(a.timeouts()),
		executor.WithLogger(a.tel.Logger.Component("executor")),
		executor.WithTracer(a.tel.Tracer.OTel()),
	)
}

// planSource builds the plans, keeping only the named pipelines when any
// are given.
func (a *app) planSource(pipelines []string) provision.PlanSource {
	b := builder.New(a.topo, builder.WithLogger(a.tel.Logger.Component("builder")))
	return func() ([]*engine.Plan, error) {
		plans, err := b.Plans()
		if err != nil {
			return nil, err
		}
		if len(pipelines) == 0 {
			return plans, nil
		}

		keep := make(map[string]bool, len(pipelines))
		for _, p := range pipelines {
			keep[p] = true
		}
		filtered := make([]*engine.Plan, 0, len(pipelines))
		for _, plan := range plans {
			if keep[plan.Pipeline] {
				filtered = append(filtered, plan)
				delete(keep, plan.Pipeline)
			}
		}
		if len(keep) > 0 {
			unknown := make([]string, 0, len(keep))
			for p := range keep {
				unknown = append(unknown, p)
			}
			sort.Strings(unknown)
			return nil, engine.NewConfigurationError("unknown pipelines: "+strings.Join(unknown, ", "), nil)
		}
		return filtered, nil
	}
}

// checkedSource wraps source so every plan passes the policy check.
func (a *app) checkedSource(ctx context.Context, source provision.PlanSource) provision.PlanSource {
	check := a.policies.Checker(ctx, a.topo)
	return func() ([]*engine.Plan, error) {
		plans, err := source()
		if err != nil {
			return nil, err
		}
		for _, plan := range plans {
			if err := check(plan); err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", plan.Pipeline, err)
			}
		}
		return plans, nil
	}
}

// artifactStores returns the per-run artifact store of a plan for the
// configured backend. Locations are keyed by pipeline and run.
func (a *app) artifactStores(ctx context.Context) (func(string, *engine.Plan) (outputs.ArtifactStore, error), error) {
	s := a.settings.Artifacts

	switch s.Backend {
	case config.ArtifactBackendDir:
		return func(runID string, plan *engine.Plan) (outputs.ArtifactStore, error) {
			return outputs.NewDirArtifactStore(filepath.Join(s.Dir, filepath.FromSlash(provision.ArtifactPath(runID, plan))))
		}, nil

	case config.ArtifactBackendS3:
		if simulate {
			a.logger.Warn().Msg("S3 artifacts are not available in simulation, using memory")
			return nil, nil
		}
		cfg, err := a.sdkConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(cfg)
		return func(runID string, plan *engine.Plan) (outputs.ArtifactStore, error) {
			return outputs.NewS3ArtifactStore(client, s.Bucket, path.Join(s.Prefix, provision.ArtifactPath(runID, plan)), a.topo.Artifacts.KMSKeyID), nil
		}, nil

	default:
		return nil, nil
	}
}

// notificationSink builds the configured sink. Simulated runs always log.
func (a *app) notificationSink(ctx context.Context) (engine.NotificationSink, error) {
	settings := a.settings.Notifications
	if simulate || settings.Sink != config.SinkSNS {
		settings.Sink = config.SinkLog
		return notify.FromSettings(settings, nil, a.logger)
	}

	cfg, err := a.sdkConfig(ctx)
	if err != nil {
		return nil, err
	}
	return notify.FromSettings(settings, sns.NewFromConfig(cfg), a.logger)
}

// deployer builds the DeployFramework strategy selected by the deploy mode.
func (a *app) deployer(ctx context.Context, provider engine.CapabilityProvider, caller provision.Caller, store engine.RunStore, pipelines []string) (provision.Deployer, error) {
	source := a.planSource(pipelines)

	if a.settings.DeployMode == config.DeployModeExternal {
		return &provision.ExternalDeployer{
			Topology: a.topo,
			Caller:   caller,
			Plans:    a.checkedSource(ctx, source),
		}, nil
	}

	artifacts, err := a.artifactStores(ctx)
	if err != nil {
		return nil, err
	}

	return &provision.PlanDeployer{
		Topology:  a.topo,
		Provider:  provider,
		Plans:     source,
		Check:     a.policies.Checker(ctx, a.topo),
		Artifacts: artifacts,
		Timeouts:  a.timeouts(),
		RunnerOptions: []engine.RunnerOption{
			engine.WithMaxParallel(a.settings.Parallelism),
			engine.WithEventPublisher(a.tel.Events),
			engine.WithRunStore(store),
			engine.WithTaskObserver(a.tel.Metrics),
		},
		Tracer: a.tel.Tracer.OTel(),
		Logger: a.tel.Logger.Component("deploy"),
	}, nil
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
