package topology

import "strings"

// SourceRepositories are the built-in repositories copied to the artifact bucket.
const (
	RepoCentralCore            = "central-core"
	RepoTransitCore            = "transit-core"
	RepoManagementServicesCore = "management-services-core"
	RepoSecurityBaseline       = "security-baseline"
)

// RepositoryName returns the full repository name for a source.
func RepositoryName(source string) string {
	return "compliant-framework-" + source
}

// PluginSource returns the source name of a plugin.
func PluginSource(plugin string) string {
	return "plugin-" + plugin
}

// ActionSuffix returns the short region code appended to action names.
// us-gov-west-1 -> USGW1, us-gov-east-1 -> USGE1, us-east-1 -> USE1.
func ActionSuffix(region string) string {
	switch region {
	case RegionUSGovWest1:
		return "USGW1"
	case RegionUSGovEast1:
		return "USGE1"
	}

	parts := strings.Split(region, "-")
	if len(parts) == 0 || parts[0] == "" {
		return strings.ToUpper(region)
	}

	var sb strings.Builder
	sb.WriteString(strings.ToUpper(parts[0]))
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		if p[0] >= '0' && p[0] <= '9' {
			sb.WriteString(p)
			continue
		}
		sb.WriteString(strings.ToUpper(p[:1]))
	}
	return sb.String()
}

// ActionName joins an action base name and the region suffix.
func ActionName(base, region string) string {
	return base + "-" + ActionSuffix(region)
}

// S3Region returns the S3 endpoint prefix for a region.
func S3Region(region string) string {
	switch region {
	case RegionUSGovWest1:
		return "s3-us-gov-west-1"
	case RegionUSGovEast1:
		return "s3-us-gov-east-1"
	default:
		return "s3"
	}
}

// OUName returns the organizational unit name of an environment in a region.
func OUName(region, env string) string {
	base := "environment-" + strings.ToLower(ActionSuffix(region))
	if env == DefaultEnvironment {
		return base
	}
	return base + "-" + env
}

// PipelineName returns the pipeline name of an environment.
func PipelineName(env string) string {
	if env == DefaultEnvironment {
		return "environment-pipeline"
	}
	return "environment-pipeline-" + env
}

// CorePipelineName is the name of the core pipeline.
const CorePipelineName = "core-pipeline"

// StageEnvironment returns the clean environment name passed to templates.
// Every alpha track collapses to "alpha".
func StageEnvironment(env string) string {
	if strings.HasPrefix(env, "alpha") {
		return "alpha"
	}
	return env
}
