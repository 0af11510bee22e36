// Package engine provides the core types of the govframe orchestrator.
//
// # Overview
//
// A deployment is described as a Plan: an ordered list of Stages, each holding
// Tasks. Inside a stage every task carries a run-order number. Tasks that share
// a run-order may execute concurrently; a task never starts before every task
// of the same stage with a lower run-order has completed.
//
// Every task is tagged with a TaskKind:
//
//   - TaskNativeDeploy: a stack deploy executed directly in the target region
//   - TaskDelegatedDeploy: the same deploy executed through a proxy in a capable region
//   - TaskInvokeCapability: a named capability (account, OU, security, parameters)
//   - TaskFollowUpACLUpdate: an artifact ACL update run strictly after its deploy
//
// # Ordering
//
// RunOrder is the per-stage counter used while building plans. ValidatePlan
// checks that every input reference points at a task of an earlier stage, or
// of the same stage with a strictly lower run-order, and renders the plan as
// DOT for inspection.
//
// # Execution
//
// Runner executes a plan stage by stage. Each run-order level is fanned out
// over a bounded worker pool. The first failed task aborts the plan.
//
// # Error Classification
//
// Errors are classified as configuration, transient, conflict, construction or
// execution errors. Only transient errors are retryable:
//
//	if engine.IsRetryable(err) {
//	    // retry the state
//	}
package engine
