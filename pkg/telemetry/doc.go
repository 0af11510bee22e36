// Package telemetry provides the observability stack of the orchestrator.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event bus that implements
// engine.EventPublisher.
//
// # Usage
//
//	cfg := telemetry.FromSettings(settings.Telemetry, version)
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.StartMetricsServer()
//
// # Scoped loggers
//
// Run, state and task loggers travel in the context. The state machine
// stores a run logger, tags it per state, and the executor adds the task:
//
//	ctx = telemetry.Wrap(logger).WithRunID(runID).WithContext(ctx)
//	ctx = telemetry.FromContextOr(ctx, logger).WithState("CreateAccounts").WithContext(ctx)
//	taskLog := telemetry.FromContextOr(ctx, fallback).WithTaskID(task.ID)
//
// # Wiring into the engine
//
// The components plug into the engine interfaces:
//
//	exec := executor.New(provider, registry, executor.WithTracer(tel.Tracer.OTel()))
//	runner := engine.NewRunner(exec,
//	    engine.WithEventPublisher(tel.Events),
//	    engine.WithTaskObserver(tel.Metrics),
//	    engine.WithLogger(tel.Logger.Component("runner")),
//	)
//
// The provisioning state machine records state transitions, attempts and
// durations on Metrics and starts one span per state under the run span.
//
// # Metrics
//
// With the default namespace the following metrics are exposed:
//
//   - govframe_runs_started_total{kind}
//   - govframe_runs_completed_total{kind,status}
//   - govframe_run_duration_seconds{kind,status}
//   - govframe_active_runs
//   - govframe_state_transitions_total{from,to}
//   - govframe_state_attempts_total{state,outcome}
//   - govframe_state_duration_seconds{state}
//   - govframe_tasks_executed_total{kind,status}
//   - govframe_task_duration_seconds{kind}
//   - govframe_errors_total{class,code}
//   - govframe_tracked_accounts{state}
//
// # Exporters
//
// Tracing supports the "stdout", "otlp" (gRPC) and "none" exporters. A
// disabled tracer still produces valid spans so callers never need to check.
package telemetry
