package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		partitionRegionsPolicy(),
		artifactEncryptionPolicy(),
		deployTargetsPolicy(),
		delegatedProxyPolicy(),
		stackNamingPolicy(),
		stackCapabilitiesPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, module string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Metadata:    map[string]interface{}{"source": "builtin"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego:        module,
	}
}

// partitionRegionsPolicy keeps every region inside the topology's partition.
func partitionRegionsPolicy() Policy {
	return builtin(
		"partition-regions",
		"Regions must belong to the topology partition",
		SeverityCritical,
		[]string{"partition", "regions"},
		`package govframe.policies.partition

import rego.v1

gov_region(region) if startswith(region, "us-gov-")

regions contains region if {
	region := input.topology.core.primaryRegion
}

regions contains region if {
	some region in input.topology.deployToRegions
}

deny contains violation if {
	input.topology.partition == "aws-us-gov"
	some region in regions
	not gov_region(region)
	violation := {
		"message": sprintf("region %s is not in the aws-us-gov partition", [region]),
		"resource": region,
		"remediation": "use us-gov-west-1 or us-gov-east-1",
	}
}

deny contains violation if {
	input.topology.partition == "aws"
	some region in regions
	gov_region(region)
	violation := {
		"message": sprintf("region %s is not in the aws partition", [region]),
		"resource": region,
		"remediation": "set partition to aws-us-gov",
	}
}
`)
}

// artifactEncryptionPolicy reports artifact buckets without a KMS key.
func artifactEncryptionPolicy() Policy {
	return builtin(
		"artifact-encryption",
		"Pipeline artifacts should be encrypted with a customer managed key",
		SeverityWarning,
		[]string{"encryption", "artifacts"},
		`package govframe.policies.encryption

import rego.v1

deny contains violation if {
	input.topology
	not input.topology.artifacts.kmsKeyId
	violation := {
		"message": sprintf("artifact bucket %s has no KMS key", [input.topology.artifacts.bucket]),
		"resource": input.topology.artifacts.bucket,
		"remediation": "set artifacts.kmsKeyId",
	}
}

deny contains violation if {
	input.topology.partition == "aws-us-gov"
	not input.topology.artifacts.kmsKeyId
	violation := {
		"message": "GovCloud artifacts require a KMS key",
		"resource": input.topology.artifacts.bucket,
		"severity": "error",
	}
}
`)
}

// deployTargetsPolicy requires every deploy task to name its target.
func deployTargetsPolicy() Policy {
	return builtin(
		"deploy-targets",
		"Deploy tasks must name a target account, region and template",
		SeverityError,
		[]string{"plan", "deploy"},
		`package govframe.policies.targets

import rego.v1

deploy_tasks contains task if {
	some stage in input.plan.stages
	some task in stage.tasks
	task.kind in {"native-deploy", "delegated-deploy"}
}

deny contains violation if {
	some task in deploy_tasks
	not task.account
	violation := {"message": sprintf("deploy task %s has no target account", [task.id]), "resource": task.id}
}

deny contains violation if {
	some task in deploy_tasks
	not task.region
	violation := {"message": sprintf("deploy task %s has no target region", [task.id]), "resource": task.id}
}

deny contains violation if {
	some task in deploy_tasks
	not task.deploy
	violation := {"message": sprintf("deploy task %s has no stack", [task.id]), "resource": task.id}
}

deny contains violation if {
	some task in deploy_tasks
	task.deploy.template_path == ""
	violation := {"message": sprintf("deploy task %s has no template", [task.id]), "resource": task.id}
}
`)
}

// delegatedProxyPolicy requires delegated deploys to run through another region.
func delegatedProxyPolicy() Policy {
	return builtin(
		"delegated-proxy",
		"Delegated deploys must name a proxy region other than their target",
		SeverityError,
		[]string{"plan", "regions"},
		`package govframe.policies.proxy

import rego.v1

delegated contains task if {
	some stage in input.plan.stages
	some task in stage.tasks
	task.kind == "delegated-deploy"
}

deny contains violation if {
	some task in delegated
	not task.deploy.proxy_region
	violation := {"message": sprintf("delegated task %s has no proxy region", [task.id]), "resource": task.id}
}

deny contains violation if {
	some task in delegated
	task.deploy.proxy_region == task.region
	violation := {
		"message": sprintf("delegated task %s proxies through its own region %s", [task.id, task.region]),
		"resource": task.id,
	}
}
`)
}

// stackNamingPolicy enforces the stack name rules of the deployment service.
func stackNamingPolicy() Policy {
	return builtin(
		"stack-naming",
		"Stack names must start with a letter, use letters, digits and hyphens, and fit in 128 characters",
		SeverityError,
		[]string{"naming", "plan"},
		`package govframe.policies.naming

import rego.v1

deny contains violation if {
	some stage in input.plan.stages
	some task in stage.tasks
	name := task.deploy.stack_name
	not regex.match("^[A-Za-z][A-Za-z0-9-]*$", name)
	violation := {
		"message": sprintf("stack name '%s' of task %s is invalid", [name, task.id]),
		"resource": task.id,
	}
}

deny contains violation if {
	some stage in input.plan.stages
	some task in stage.tasks
	name := task.deploy.stack_name
	count(name) > 128
	violation := {
		"message": sprintf("stack name of task %s is longer than 128 characters", [task.id]),
		"resource": task.id,
	}
}
`)
}

// stackCapabilitiesPolicy restricts IAM acknowledgements to the known values.
func stackCapabilitiesPolicy() Policy {
	return builtin(
		"stack-capabilities",
		"Stacks may only acknowledge CAPABILITY_IAM or CAPABILITY_NAMED_IAM",
		SeverityError,
		[]string{"iam", "plan"},
		`package govframe.policies.capabilities

import rego.v1

allowed := {"CAPABILITY_IAM", "CAPABILITY_NAMED_IAM"}

deny contains violation if {
	some stage in input.plan.stages
	some task in stage.tasks
	capability := task.deploy.capabilities
	not capability in allowed
	violation := {
		"message": sprintf("task %s acknowledges unsupported capability %s", [task.id, capability]),
		"resource": task.id,
	}
}
`)
}
