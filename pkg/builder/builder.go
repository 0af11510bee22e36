// Package builder turns a topology into executable plans.
//
// The core pipeline bootstraps the logging and central accounts. Every
// environment gets its own pipeline: source copy, organizational units,
// management services logging, the environment networking subsystems,
// security baseline, one stage per plugin and optional federation support.
//
// Output dependencies between tasks are wired through an outputs.Registry at
// construction time. A task can only reference an output whose producer has
// already been appended, and dependents are placed at a strictly higher run
// order, so a plan is ordered correctly by construction. The resulting plan
// is still checked with engine.ValidatePlan before it is returned.
package builder

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/outputs"
	"github.com/openfroyo/govframe/pkg/topology"
)

// Sentinel is passed for optional route table and attachment identifiers of
// features that are disabled in a region. Templates receive every parameter;
// only the builder decides whether a real value is looked up.
const Sentinel = "xxxxxx"

// IAM capability acknowledgements passed to stack deployments.
const (
	CapabilityIAM      = "CAPABILITY_IAM"
	CapabilityNamedIAM = "CAPABILITY_NAMED_IAM"
)

// Builder builds plans from a validated topology.
type Builder struct {
	topo   *topology.Topology
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the builder logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger.With().Str("component", "builder").Logger()
	}
}

// WithClock overrides the plan creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// New creates a builder for topo. The topology is only read.
func New(topo *topology.Topology, opts ...Option) *Builder {
	b := &Builder{
		topo:   topo,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Plans builds the core plan followed by one plan per environment.
func (b *Builder) Plans() ([]*engine.Plan, error) {
	plans := make([]*engine.Plan, 0, len(b.topo.Environments)+1)

	core, err := b.CorePlan()
	if err != nil {
		return nil, err
	}
	plans = append(plans, core)

	for _, env := range b.topo.Environments {
		plan, err := b.EnvironmentPlan(env)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// pipeline is one plan under construction.
type pipeline struct {
	topo     *topology.Topology
	env      string
	plan     *engine.Plan
	registry *outputs.Registry
	stage    *engine.Stage
	logger   zerolog.Logger
}

func (b *Builder) newPipeline(name, env string) *pipeline {
	return &pipeline{
		topo: b.topo,
		env:  env,
		plan: &engine.Plan{
			ID:          uuid.NewString(),
			Pipeline:    name,
			Environment: env,
			CreatedAt:   b.now().UTC(),
		},
		registry: outputs.NewRegistry(b.topo),
		logger:   b.logger.With().Str("pipeline", name).Logger(),
	}
}

func (p *pipeline) beginStage(name string) {
	p.stage = &engine.Stage{Name: name}
}

// endStage appends the current stage unless it is empty.
func (p *pipeline) endStage() {
	if p.stage == nil {
		return
	}
	if len(p.stage.Tasks) > 0 {
		sort.SliceStable(p.stage.Tasks, func(i, j int) bool {
			return p.stage.Tasks[i].RunOrder < p.stage.Tasks[j].RunOrder
		})
		p.plan.Stages = append(p.plan.Stages, *p.stage)
	} else {
		p.logger.Debug().Str("stage", p.stage.Name).Msg("Omitting empty stage")
	}
	p.stage = nil
}

// add appends a task to the current stage and returns its ID.
func (p *pipeline) add(task engine.Task) string {
	task.Stage = p.stage.Name
	task.ID = p.stage.Name + "/" + task.Name
	p.stage.Tasks = append(p.stage.Tasks, task)
	return task.ID
}

// declare registers task id as the producer of stage in region.
func (p *pipeline) declare(id, stage, region, actionName string) (*engine.OutputSpec, error) {
	return p.registry.Declare(outputs.Producer{
		Stage:      stage,
		Region:     region,
		ActionName: actionName,
		TaskID:     id,
	})
}

// setOutput attaches a declared output spec to an appended task.
func (p *pipeline) setOutput(id string, spec *engine.OutputSpec) {
	for i := range p.stage.Tasks {
		if p.stage.Tasks[i].ID == id {
			p.stage.Tasks[i].Output = spec
			return
		}
	}
}

func (p *pipeline) warn(msg string) {
	p.logger.Warn().Msg(msg)
	p.plan.Warnings = append(p.plan.Warnings, msg)
}

func (p *pipeline) finish() (*engine.Plan, error) {
	p.endStage()
	if err := engine.ValidatePlan(p.plan); err != nil {
		return nil, err
	}
	p.logger.Info().
		Int("stages", len(p.plan.Stages)).
		Int("tasks", p.plan.TaskCount()).
		Msg("Built plan")
	return p.plan, nil
}

// reference looks up an output of an already appended producer.
func (p *pipeline) reference(parameter, variable, region, subsystem string) (engine.InputRef, error) {
	ref, err := p.registry.Reference(variable, region, subsystem)
	if err != nil {
		return engine.InputRef{}, err
	}
	return ref.Input(parameter), nil
}

// stackAction describes one stack deployment.
type stackAction struct {
	// ActionName is the base action name; the region suffix is appended.
	ActionName string

	// Subsystem labels the task.
	Subsystem string

	// Output is the registry stage the deploy produces; empty when nothing
	// consumes its outputs.
	Output string

	StackName    string
	Source       string
	TemplatePath string
	Capabilities string
	Account      string
	Region       string
	Parameters   map[string]interface{}
	Inputs       []engine.InputRef

	// UpdateACL requests the artifact ACL follow-up for native deploys.
	UpdateACL bool
}

// addStack emits a native deploy (plus optional ACL follow-up) in native
// regions, or a single delegated deploy elsewhere. It returns the number of
// run-order slots used.
func (p *pipeline) addStack(a stackAction, runOrder int) (int, error) {
	native := p.topo.IsNativeRegion(a.Region)
	name := topology.ActionName(a.ActionName, a.Region)

	deploy := &engine.DeploySpec{
		StackName:                a.StackName,
		TemplatePath:             a.TemplatePath,
		TemplatePrefix:           topology.RepositoryName(a.Source),
		BucketRegionalDomainName: p.bucketDomain(),
		Capabilities:             a.Capabilities,
	}

	task := engine.Task{
		Name:       name,
		Subsystem:  a.Subsystem,
		RunOrder:   runOrder,
		Account:    a.Account,
		Region:     a.Region,
		Deploy:     deploy,
		Parameters: a.Parameters,
		Inputs:     a.Inputs,
	}
	if native {
		task.Kind = engine.TaskNativeDeploy
		task.Capability = engine.CapabilityDeployStack
	} else {
		task.Kind = engine.TaskDelegatedDeploy
		task.Capability = engine.CapabilityCreateUpdateStack
		deploy.ProxyRegion = p.topo.Core.PrimaryRegion
	}

	id := p.add(task)

	if a.Output != "" {
		spec, err := p.declare(id, a.Output, a.Region, a.ActionName)
		if err != nil {
			return 0, err
		}
		p.setOutput(id, spec)
	}

	if !native || !a.UpdateACL || !p.topo.Artifacts.UpdateArtifactACL {
		return 1, nil
	}

	params := p.artifactParams()
	if a.Output != "" {
		params["artifact"] = outputs.ArtifactName(a.Output, a.Region)
	}
	p.add(engine.Task{
		Name:       topology.ActionName(a.ActionName+"UpdateAcl", a.Region),
		Subsystem:  "artifact-acl",
		Kind:       engine.TaskFollowUpACLUpdate,
		Capability: engine.CapabilityUpdateArtifactACL,
		RunOrder:   runOrder + 1,
		Account:    p.topo.Central.AccountID,
		Region:     p.topo.Core.PrimaryRegion,
		Parameters: params,
		FollowUpOf: id,
	})
	return 2, nil
}

// invoke appends a capability invocation.
func (p *pipeline) invoke(name, subsystem, capability string, runOrder int, account, region string, params map[string]interface{}) string {
	return p.add(engine.Task{
		Name:       name,
		Subsystem:  subsystem,
		Kind:       engine.TaskInvokeCapability,
		Capability: capability,
		RunOrder:   runOrder,
		Account:    account,
		Region:     region,
		Parameters: params,
	})
}

func (p *pipeline) bucketDomain() string {
	if d := p.topo.Artifacts.BucketRegionalDomainName; d != "" {
		return d
	}
	return fmt.Sprintf("%s.s3.%s.amazonaws.com", p.topo.Artifacts.Bucket, p.topo.Core.PrimaryRegion)
}

func (p *pipeline) artifactParams() map[string]interface{} {
	return map[string]interface{}{
		"bucketName": p.topo.Artifacts.Bucket,
		"kmsKeyId":   p.topo.Artifacts.KMSKeyID,
	}
}

// baseParams are passed to every built-in stack.
func (p *pipeline) baseParams(source string) map[string]interface{} {
	return map[string]interface{}{
		"pSolutionInfoVersion": p.topo.Solution.Version,
		"pS3Bucket":            p.topo.Artifacts.Bucket,
		"pS3Region":            topology.S3Region(p.topo.Core.PrimaryRegion),
		"pRepo":                topology.RepositoryName(source),
	}
}

func (p *pipeline) templateURL(source, path string) string {
	return fmt.Sprintf("https://%s/%s/%s", p.bucketDomain(), topology.RepositoryName(source), path)
}

func (p *pipeline) solutionTags() map[string]string {
	return map[string]string{
		"solution-info:built-by": p.topo.Solution.BuiltBy,
		"solution-info:name":     p.topo.Solution.Name,
		"solution-info:version":  p.topo.Solution.Version,
	}
}

// copySources emits one source copy per repository at run order 1.
func (p *pipeline) copySources(branch string, sources []string) {
	p.beginStage(StageCopySource)
	for _, source := range sources {
		params := p.artifactParams()
		params["repositoryNames"] = []string{topology.RepositoryName(source)}
		params["branchName"] = branch
		p.invoke(source, "copy-source", engine.CapabilityCopySourceToS3, 1,
			p.topo.Central.AccountID, p.topo.Core.PrimaryRegion, params)
	}
	p.endStage()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
