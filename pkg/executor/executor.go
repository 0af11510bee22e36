// Package executor runs plan tasks against a capability provider.
//
// The executor dispatches on the task kind, resolves the task inputs through
// the stage output registry, bounds every call with a per-task timeout and
// records declared outputs once the capability succeeds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/telemetry"
)

const tracerName = "github.com/openfroyo/govframe/pkg/executor"

// Timeouts bound a single capability call by task class.
type Timeouts struct {
	// Control covers short control-plane calls.
	Control time.Duration

	// Account covers account creation, polling and invitations.
	Account time.Duration

	// Deploy covers stack and stack set deployments.
	Deploy time.Duration
}

// DefaultTimeouts returns the built-in timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Control: 5 * time.Minute,
		Account: 15 * time.Minute,
		Deploy:  4 * time.Hour,
	}
}

// Executor implements engine.TaskExecutor.
type Executor struct {
	provider engine.CapabilityProvider
	outputs  engine.OutputRegistry
	timeouts Timeouts
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeouts overrides the default timeouts. Zero values keep the default.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) {
		if t.Control > 0 {
			e.timeouts.Control = t.Control
		}
		if t.Account > 0 {
			e.timeouts.Account = t.Account
		}
		if t.Deploy > 0 {
			e.timeouts.Deploy = t.Deploy
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.With().Str("component", "executor").Logger()
	}
}

// WithTracer sets the tracer used for task spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// New creates an executor. outputs may be nil when no task consumes or
// produces outputs.
func New(provider engine.CapabilityProvider, outputs engine.OutputRegistry, opts ...Option) *Executor {
	e := &Executor{
		provider: provider,
		outputs:  outputs,
		timeouts: DefaultTimeouts(),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Provider returns the capability provider of the executor.
func (e *Executor) Provider() engine.CapabilityProvider {
	return e.provider
}

// Execute runs one task. The returned result is never nil; on failure it
// carries the classified error that is also returned.
func (e *Executor) Execute(ctx context.Context, task *engine.Task) (*engine.TaskResult, error) {
	result := &engine.TaskResult{
		TaskID:    task.ID,
		StartedAt: time.Now(),
	}

	ctx, span := e.tracer.Start(ctx, "task "+task.Name, trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("task.account", task.Account),
		attribute.String("task.region", task.Region),
		attribute.Int("task.run_order", task.RunOrder),
	))
	defer span.End()

	// A run started by the state machine carries its run and state logger.
	logger := telemetry.FromContextOr(ctx, e.logger).WithTaskID(task.ID).Zerolog().With().
		Str("kind", string(task.Kind)).
		Str("region", task.Region).
		Logger()

	finish := func(err error) (*engine.TaskResult, error) {
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		if err == nil {
			result.Status = engine.TaskStatusSucceeded
			span.SetStatus(codes.Ok, "")
			logger.Debug().Dur("duration", result.Duration).Msg("Task succeeded")
			return result, nil
		}

		ee := asEngineError(err)
		if ee.Resource == "" {
			ee.Resource = task.ID
		}
		result.Status = engine.TaskStatusFailed
		result.Error = ee
		span.RecordError(ee)
		span.SetStatus(codes.Error, ee.Message)
		logger.Error().Err(ee).Str("class", string(ee.Class)).Msg("Task failed")
		return result, ee
	}

	if err := task.Kind.Validate(); err != nil {
		return finish(err)
	}

	inv, err := e.invocation(ctx, task)
	if err != nil {
		return finish(err)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.TimeoutFor(task.Kind, inv.Capability)
	}

	logger.Debug().Str("capability", inv.Capability).Dur("timeout", timeout).Msg("Invoking capability")
	res, err := e.call(ctx, inv, timeout)
	if err != nil {
		return finish(err)
	}

	if res != nil {
		result.Outputs = res.Outputs
	}
	if err := e.recordOutputs(ctx, task, result.Outputs); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// Call invokes a capability outside of a plan with the timeout of its class.
// Errors are classified the same way as task errors.
func (e *Executor) Call(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	if inv.Kind == "" {
		inv.Kind = engine.TaskInvokeCapability
	}
	res, err := e.call(ctx, inv, e.TimeoutFor(inv.Kind, inv.Capability))
	if err != nil {
		return nil, asEngineError(err)
	}
	if res == nil {
		res = &engine.CapabilityResult{}
	}
	return res, nil
}

// TimeoutFor returns the default timeout of a task kind and capability.
func (e *Executor) TimeoutFor(kind engine.TaskKind, capability string) time.Duration {
	if kind.IsDeploy() {
		return e.timeouts.Deploy
	}
	switch capability {
	case engine.CapabilityCreateAccount, engine.CapabilityDescribeCreateAccount, engine.CapabilityInviteAccount:
		return e.timeouts.Account
	case engine.CapabilityStackSet, engine.CapabilityStartDeployment, engine.CapabilityCreateUpdateStack, engine.CapabilityDeployStack:
		return e.timeouts.Deploy
	default:
		return e.timeouts.Control
	}
}

func (e *Executor) call(ctx context.Context, inv engine.Invocation, timeout time.Duration) (*engine.CapabilityResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.provider.Invoke(callCtx, inv)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, engine.NewExecutionError(
			fmt.Sprintf("capability %s timed out after %s", inv.Capability, timeout), err).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(inv.Capability)
	case ctx.Err() != nil:
		return nil, engine.NewExecutionError("capability "+inv.Capability+" cancelled", err).
			WithCode(engine.ErrCodeCancelled).
			WithOperation(inv.Capability)
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Operation == "" {
			ee.Operation = inv.Capability
		}
		return nil, ee
	}
	return nil, engine.NewExecutionError("capability "+inv.Capability+" failed", err).
		WithOperation(inv.Capability)
}

// invocation builds the provider call of a task, resolving its inputs.
func (e *Executor) invocation(ctx context.Context, task *engine.Task) (engine.Invocation, error) {
	params := make(map[string]interface{}, len(task.Parameters)+len(task.Inputs))
	for k, v := range task.Parameters {
		params[k] = v
	}

	if len(task.Inputs) > 0 && e.outputs == nil {
		return engine.Invocation{}, engine.NewConfigurationError("task has inputs but no output registry is configured", nil).
			WithResource(task.ID)
	}
	for _, in := range task.Inputs {
		value, err := e.outputs.Resolve(ctx, in.Ref.Variable, in.Ref.Region, in.Ref.Stage)
		if err != nil {
			return engine.Invocation{}, err
		}
		params[in.Parameter] = value
	}

	return engine.Invocation{
		Capability: engine.CapabilityFor(task),
		Kind:       task.Kind,
		TaskID:     task.ID,
		Account:    task.Account,
		Region:     task.Region,
		Parameters: params,
		Deploy:     task.Deploy,
	}, nil
}

func (e *Executor) recordOutputs(ctx context.Context, task *engine.Task, outputs map[string]string) error {
	if task.Output == nil || len(outputs) == 0 {
		return nil
	}
	if e.outputs == nil {
		return engine.NewConfigurationError("task declares outputs but no output registry is configured", nil).
			WithResource(task.ID)
	}
	for variable, value := range outputs {
		if err := e.outputs.Record(ctx, task.Output.Stage, task.Output.Region, variable, value); err != nil {
			return err
		}
	}
	return nil
}

func asEngineError(err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return engine.NewExecutionError("task failed", err)
}

var _ engine.TaskExecutor = (*Executor)(nil)
