// Package outputs carries named stage outputs between tasks of a run.
//
// Outputs are keyed by (stage, region). In regions with native pipeline
// actions a producer writes an artifact file named "<stage>-<region>.output";
// in other regions the value is a live variable captured from the delegated
// task result under the producing action name. The Registry picks the backend
// from the region capability so callers never branch on it.
package outputs

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// RegionCapability reports whether a region supports native pipeline actions.
// *topology.Topology implements it.
type RegionCapability interface {
	IsNativeRegion(region string) bool
}

var _ RegionCapability = (*topology.Topology)(nil)

// Producer is a task that will produce outputs for a (stage, region) pair.
type Producer struct {
	Stage  string
	Region string

	// ActionName is the base action name (without region suffix) that
	// identifies the producer in delegated regions.
	ActionName string

	// TaskID is the plan task that produces the outputs.
	TaskID string
}

// Reference is a construction-time reference to a declared output.
type Reference struct {
	Ref        engine.OutputRef
	ProducerID string
}

// Input binds the reference to a task parameter.
func (r Reference) Input(parameter string) engine.InputRef {
	return engine.InputRef{Parameter: parameter, Ref: r.Ref, ProducerID: r.ProducerID}
}

// ArtifactName returns the artifact file name of a (stage, region) pair.
func ArtifactName(stage, region string) string {
	return stage + "-" + region + ".output"
}

type bagKey struct {
	stage  string
	region string
}

// Registry is the stage output registry. Construction-time methods (Declare,
// Reference) are used by the builder; run-time methods (Record, Resolve) by
// the executor. Record and Resolve are safe for concurrent use.
type Registry struct {
	regions   RegionCapability
	artifacts ArtifactStore
	variables VariableStore
	logger    zerolog.Logger

	mu        sync.Mutex
	producers map[bagKey]Producer
	bagLocks  map[bagKey]*sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithArtifactStore sets the backend for native regions.
func WithArtifactStore(store ArtifactStore) Option {
	return func(r *Registry) {
		r.artifacts = store
	}
}

// WithVariableStore sets the backend for delegated regions.
func WithVariableStore(store VariableStore) Option {
	return func(r *Registry) {
		r.variables = store
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger.With().Str("component", "outputs").Logger()
	}
}

// NewRegistry creates a registry backed by in-memory stores unless overridden.
func NewRegistry(regions RegionCapability, opts ...Option) *Registry {
	r := &Registry{
		regions:   regions,
		artifacts: NewMemoryArtifactStore(),
		variables: NewMemoryVariableStore(),
		logger:    zerolog.Nop(),
		producers: make(map[bagKey]Producer),
		bagLocks:  make(map[bagKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Declare registers the producer of a (stage, region) pair and returns the
// output spec to attach to the producing task.
func (r *Registry) Declare(p Producer) (*engine.OutputSpec, error) {
	native := r.regions.IsNativeRegion(p.Region)
	if !native && p.ActionName == "" {
		return nil, engine.NewConstructionError(
			fmt.Sprintf("stage %s in delegated region %s has no action name", p.Stage, p.Region), nil).
			WithOperation("declare")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := bagKey{p.Stage, p.Region}
	if existing, ok := r.producers[key]; ok {
		return nil, engine.NewConstructionError(
			fmt.Sprintf("stage %s in region %s already produced by %s", p.Stage, p.Region, existing.TaskID), nil).
			WithOperation("declare")
	}
	r.producers[key] = p

	spec := &engine.OutputSpec{
		Stage:      p.Stage,
		Region:     p.Region,
		ActionName: p.ActionName,
	}
	if native {
		spec.Artifact = ArtifactName(p.Stage, p.Region)
	}
	return spec, nil
}

// Reference returns a reference to variable produced by stage in region. The
// producer must have been declared; this is what keeps consumers after their
// producers in a plan.
func (r *Registry) Reference(variable, region, stage string) (Reference, error) {
	r.mu.Lock()
	p, ok := r.producers[bagKey{stage, region}]
	r.mu.Unlock()

	if !ok {
		return Reference{}, engine.NewConstructionError(
			fmt.Sprintf("output %s references stage %s in region %s before it is scheduled", variable, stage, region), nil).
			WithOperation("reference").
			WithResource(stage)
	}

	ref := engine.OutputRef{
		Stage:    stage,
		Region:   region,
		Variable: variable,
	}
	switch {
	case r.regions.IsNativeRegion(region):
		ref.Backend = engine.OutputBackendArtifact
		ref.Key = ArtifactName(stage, region)
	case p.ActionName != "":
		ref.Backend = engine.OutputBackendVariable
		ref.Key = topology.ActionName(p.ActionName, region)
	default:
		return Reference{}, engine.NewConstructionError(
			fmt.Sprintf("output %s of stage %s cannot be resolved in region %s", variable, stage, region), nil).
			WithOperation("reference")
	}

	return Reference{Ref: ref, ProducerID: p.TaskID}, nil
}

// Record stores one output. Each (stage, region, variable) is written once.
func (r *Registry) Record(ctx context.Context, stage, region, variable, value string) error {
	key := bagKey{stage, region}
	lock := r.bagLock(key)
	lock.Lock()
	defer lock.Unlock()

	conflict := func() error {
		return engine.NewResourceConflictError(
			fmt.Sprintf("output %s of stage %s in region %s already recorded", variable, stage, region), nil).
			WithOperation("record")
	}

	if !r.regions.IsNativeRegion(region) {
		ns := variableNamespace(stage, region)
		if _, ok := r.variables.Get(ns, variable); ok {
			return conflict()
		}
		r.variables.Set(ns, variable, value)
		r.logger.Debug().Str("stage", stage).Str("region", region).Str("variable", variable).Msg("Recorded variable")
		return nil
	}

	name := ArtifactName(stage, region)
	values, _, err := r.artifacts.Read(ctx, name)
	if err != nil {
		return engine.NewTransientDependencyError("failed to read output artifact", err).WithResource(name)
	}
	if _, ok := values[variable]; ok {
		return conflict()
	}
	if values == nil {
		values = make(map[string]string)
	}
	values[variable] = value

	if err := r.artifacts.Write(ctx, name, values); err != nil {
		return engine.NewTransientDependencyError("failed to write output artifact", err).WithResource(name)
	}
	r.logger.Debug().Str("artifact", name).Str("variable", variable).Msg("Recorded artifact output")
	return nil
}

// Resolve returns a recorded output. A missing record is an execution error
// referencing an unexecuted stage.
func (r *Registry) Resolve(ctx context.Context, variable, region, stage string) (string, error) {
	unexecuted := func() error {
		return engine.NewExecutionError(
			fmt.Sprintf("reference to unexecuted stage %s in region %s (output %s)", stage, region, variable), nil).
			WithCode(engine.ErrCodeUnexecuted).
			WithOperation("resolve")
	}

	if !r.regions.IsNativeRegion(region) {
		v, ok := r.variables.Get(variableNamespace(stage, region), variable)
		if !ok {
			return "", unexecuted()
		}
		return v, nil
	}

	name := ArtifactName(stage, region)
	values, found, err := r.artifacts.Read(ctx, name)
	if err != nil {
		return "", engine.NewTransientDependencyError("failed to read output artifact", err).WithResource(name)
	}
	v, ok := values[variable]
	if !found || !ok {
		return "", unexecuted()
	}
	return v, nil
}

// ResolveRef resolves a construction-time reference.
func (r *Registry) ResolveRef(ctx context.Context, ref engine.OutputRef) (string, error) {
	return r.Resolve(ctx, ref.Variable, ref.Region, ref.Stage)
}

func (r *Registry) bagLock(key bagKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.bagLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.bagLocks[key] = lock
	}
	return lock
}

func variableNamespace(stage, region string) string {
	return stage + "/" + region
}

var _ engine.OutputRegistry = (*Registry)(nil)
