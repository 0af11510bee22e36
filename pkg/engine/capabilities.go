package engine

import "strings"

// Capability names understood by capability providers.
const (
	CapabilityVerifySubscription     = "verify-subscription"
	CapabilityVerifyCredentials      = "verify-credentials"
	CapabilityInitializeOrganization = "initialize-organization"
	CapabilityCreateAccount          = "create-account"
	CapabilityDescribeCreateAccount  = "describe-create-account"
	CapabilityInviteAccount          = "invite-account"
	CapabilityFindOrgUnit            = "find-organizational-unit"
	CapabilityMoveAccount            = "move-account"
	CapabilityGetSSMParameters       = "get-ssm-parameters"
	CapabilityCopySourceToS3         = "copy-source-to-s3"
	CapabilityInitializeOrgUnits     = "initialize-organizational-units"
	CapabilityStackSet               = "stack-set"
	CapabilitySecurityHubInvite      = "security-hub-invite-members"
	CapabilityUpdateArtifactACL      = "update-artifact-acl"
	CapabilityDeployStack            = "deploy-stack"
	CapabilityCreateUpdateStack      = "create-update-stack"
	CapabilityStartDeployment        = "start-deployment"
)

// CapabilityFor returns the capability a task invokes. Deploy kinds map to
// the native or proxied stack capability; other kinds carry their own name.
func CapabilityFor(task *Task) string {
	switch task.Kind {
	case TaskNativeDeploy:
		return CapabilityDeployStack
	case TaskDelegatedDeploy:
		return CapabilityCreateUpdateStack
	case TaskFollowUpACLUpdate:
		if task.Capability == "" {
			return CapabilityUpdateArtifactACL
		}
	}
	return task.Capability
}

// SplitOUPath splits an organizational unit path such as
// "workloads/tenants" into unit names, outermost first. Empty segments are
// dropped, so "" and "/" name the root.
func SplitOUPath(path string) []string {
	var names []string
	for _, name := range strings.Split(path, "/") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
