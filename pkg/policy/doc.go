// Package policy evaluates Open Policy Agent (OPA) guardrails against
// topologies and deployment plans.
//
// Policies are Rego modules. Each one contributes findings through a deny
// set in its package; a finding is either a message string or an object with
// message, resource, severity and remediation keys. Findings of severity
// error or critical block a deployment, lower severities are reported as
// warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := eng.EvaluateTopology(ctx, topo)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, v := range result.Violations {
//	    fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	}
//
// Checker adapts the engine to the plan deployer's check hook, so every plan
// is evaluated before any of them runs:
//
//	deployer := &provision.PlanDeployer{
//	    Check: eng.Checker(ctx, topo),
//	    ...
//	}
//
// # Built-in Policies
//
//  1. partition-regions - regions must belong to the topology partition
//  2. artifact-encryption - artifact buckets should name a KMS key
//  3. deploy-targets - deploy tasks must name an account, region and template
//  4. delegated-proxy - delegated deploys must proxy through another region
//  5. stack-naming - stack names must be valid for the deployment service
//  6. stack-capabilities - only CAPABILITY_IAM and CAPABILITY_NAMED_IAM
//
// # Custom Policies
//
// LoadPolicies reads .rego files, single-policy JSON files and JSON bundles
// from files or directories. A .rego policy is named after its file; its
// leading comment block is the description and may set the severity:
//
//	# Production is frozen until the audit closes.
//	# severity: error
//	package custom.freeze
//
//	deny contains msg if {
//	    input.plan.environment == "prod"
//	    msg := "prod deployments are frozen"
//	}
//
// The input document has plan, topology and context keys. Plan fields use
// the plan's JSON names (stages, tasks, deploy.stack_name); topology fields
// use the topology file names (deployToRegions, artifacts.kmsKeyId).
//
// Watch reloads the policy paths whenever a file changes. A reload that
// fails to compile leaves the previous policies in place.
package policy
