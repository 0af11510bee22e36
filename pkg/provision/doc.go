// Package provision implements the one-time bootstrap of a multi-account
// organization as a linear state machine:
//
//	Start
//	  -> VerifyNotificationSubscription (retried)
//	  -> VerifyCredentials
//	  -> InitializeOrganization
//	  -> CreateAccounts
//	  -> InviteAccounts (retried)
//	  -> DeployFramework
//	  -> NotifySuccess
//
// Any state that fails routes the run to NotifyFailure, which sends one
// failure notification and moves to Failed. Every run ends in exactly one of
// NotifySuccess or Failed.
//
// Capabilities are invoked through a Caller, normally an *executor.Executor
// wrapping the AWS or simulated provider, so per-call timeouts and error
// classification match plan execution. DeployFramework is delegated to a
// Deployer: PlanDeployer runs the built plans in-process while
// ExternalDeployer hands them to an external pipeline.
//
// Basic usage:
//
//	exec := executor.New(provider, nil)
//	m := provision.New(topo, exec, sink, &provision.PlanDeployer{
//		Topology: topo,
//		Provider: provider,
//		Plans:    builder.New(topo).Plans,
//	}, provision.WithTelemetry(tel))
//	result, err := m.Run(ctx)
package provision
