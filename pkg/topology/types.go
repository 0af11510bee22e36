package topology

// Partition names.
const (
	PartitionCommercial = "aws"
	PartitionGovCloud   = "aws-us-gov"
)

// Well-known regions.
const (
	RegionUSGovWest1 = "us-gov-west-1"
	RegionUSGovEast1 = "us-gov-east-1"
)

// DefaultEnvironment is the environment whose names carry no suffix.
const DefaultEnvironment = "default"

// Deployment action kinds for plugin actions.
const (
	DeploymentCloudFormation = "cloudformation"
	DeploymentCDK            = "cdk"
)

// Topology is the validated description of the accounts, regions,
// environments and plugins to provision. It is built once by Load and
// treated as read-only afterwards.
type Topology struct {
	// Partition is the cloud partition (aws or aws-us-gov).
	Partition string `json:"partition" yaml:"partition" validate:"required,oneof=aws aws-us-gov"`

	// Environments are the deployment tracks.
	Environments []string `json:"environments" yaml:"environments" validate:"required,min=1,unique,dive,required,hostname_rfc1123"`

	// DeployToRegions is the ordered list of deployment regions.
	DeployToRegions []string `json:"deployToRegions" yaml:"deployToRegions" validate:"required,min=1,unique,dive,required"`

	// Regions overrides region capabilities.
	Regions map[string]RegionSettings `json:"regions,omitempty" yaml:"regions,omitempty"`

	Core    CoreConfig    `json:"core" yaml:"core" validate:"required"`
	Central CentralConfig `json:"central" yaml:"central" validate:"required"`
	Logging LoggingConfig `json:"logging" yaml:"logging" validate:"required"`

	// Accounts holds the emails of the accounts created by the state machine.
	Accounts AccountEmails `json:"accounts" yaml:"accounts"`

	// Transit is keyed by region.
	Transit map[string]TransitRegion `json:"transit" yaml:"transit" validate:"dive"`

	// ManagementServices is keyed by region.
	ManagementServices map[string]ManagementServicesRegion `json:"managementServices" yaml:"managementServices" validate:"dive"`

	// Plugins is keyed by plugin name, then region.
	Plugins map[string]map[string]PluginRegion `json:"plugins,omitempty" yaml:"plugins,omitempty" validate:"dive,dive"`

	// StackSets holds extra parameters per stack set (security-baseline, backup-services).
	StackSets map[string]StackSetConfig `json:"stackSets,omitempty" yaml:"stackSets,omitempty"`

	Federation FederationConfig `json:"federation" yaml:"federation"`
	Solution   SolutionInfo     `json:"solution" yaml:"solution"`
	Artifacts  ArtifactConfig   `json:"artifacts" yaml:"artifacts"`
}

// RegionSettings overrides the capabilities of one region.
type RegionSettings struct {
	// NativePipeline reports whether the region supports native pipeline actions.
	NativePipeline *bool `json:"nativePipeline,omitempty" yaml:"nativePipeline,omitempty"`
}

// CoreConfig describes the primary region of the framework.
type CoreConfig struct {
	PrimaryRegion      string `json:"primaryRegion" yaml:"primaryRegion" validate:"required"`
	NotificationsEmail string `json:"notificationsEmail" yaml:"notificationsEmail" validate:"omitempty,email"`
}

// CentralConfig identifies the central (management) account and organization.
type CentralConfig struct {
	AccountID      string            `json:"accountId" yaml:"accountId" validate:"required,numeric,len=12"`
	OrganizationID string            `json:"organizationId" yaml:"organizationId" validate:"required"`
	SSMParameters  map[string]string `json:"ssmParameters,omitempty" yaml:"ssmParameters,omitempty"`
}

// LoggingConfig identifies the logging account.
type LoggingConfig struct {
	AccountID string `json:"accountId" yaml:"accountId" validate:"required,numeric,len=12"`
}

// AccountEmails are the emails used when the state machine creates accounts.
type AccountEmails struct {
	Logging            string `json:"logging,omitempty" yaml:"logging,omitempty" validate:"omitempty,email"`
	ManagementServices string `json:"managementServices,omitempty" yaml:"managementServices,omitempty" validate:"omitempty,email"`
	Transit            string `json:"transit,omitempty" yaml:"transit,omitempty" validate:"omitempty,email"`
}

// EnvironmentAccount maps an environment to an account.
type EnvironmentAccount struct {
	AccountID string `json:"accountId" yaml:"accountId" validate:"required,numeric,len=12"`
}

// TransitRegion is the transit configuration of one region.
type TransitRegion struct {
	EnableVpcFirewall     bool                          `json:"enableVpcFirewall" yaml:"enableVpcFirewall"`
	EnableVirtualFirewall bool                          `json:"enableVirtualFirewall" yaml:"enableVirtualFirewall"`
	Environments          map[string]EnvironmentAccount `json:"environments" yaml:"environments" validate:"required,dive"`
	SSMParameters         map[string]interface{}        `json:"ssmParameters,omitempty" yaml:"ssmParameters,omitempty"`
}

// ManagementServicesRegion is the management services configuration of one region.
type ManagementServicesRegion struct {
	EnableDirectoryVpc      bool                          `json:"enableDirectoryVpc" yaml:"enableDirectoryVpc"`
	EnableExternalAccessVpc bool                          `json:"enableExternalAccessVpc" yaml:"enableExternalAccessVpc"`
	Environments            map[string]EnvironmentAccount `json:"environments" yaml:"environments" validate:"required,dive"`
	SSMParameters           map[string]interface{}        `json:"ssmParameters,omitempty" yaml:"ssmParameters,omitempty"`
}

// PluginRegion lists the actions of a plugin in one region.
type PluginRegion struct {
	Actions []PluginAction `json:"actions" yaml:"actions" validate:"dive"`
}

// PluginAction is one deployment action of a plugin.
type PluginAction struct {
	ActionName                  string                        `json:"actionName" yaml:"actionName" validate:"required"`
	DeploymentAction            string                        `json:"deploymentAction" yaml:"deploymentAction" validate:"required,oneof=cloudformation cdk"`
	TemplatePath                string                        `json:"templatePath,omitempty" yaml:"templatePath,omitempty" validate:"required_if=DeploymentAction cloudformation"`
	HasTransitGatewayAttachment bool                          `json:"hasTransitGatewayAttachment" yaml:"hasTransitGatewayAttachment"`
	Environments                map[string]EnvironmentAccount `json:"environments" yaml:"environments" validate:"required,dive"`
}

// StackSetConfig holds extra stack set parameters.
type StackSetConfig struct {
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// FederationConfig enables federation support stacks.
type FederationConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Name              string `json:"name,omitempty" yaml:"name,omitempty" validate:"required_if=Enabled true"`
	SourceEnvironment string `json:"sourceEnvironment,omitempty" yaml:"sourceEnvironment,omitempty"`
}

// SolutionInfo is stamped on stacks as tags and parameters.
type SolutionInfo struct {
	BuiltBy string `json:"builtBy,omitempty" yaml:"builtBy,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// ArtifactConfig describes the artifact bucket shared by pipelines.
type ArtifactConfig struct {
	Bucket                   string `json:"bucket" yaml:"bucket" validate:"required"`
	KMSKeyID                 string `json:"kmsKeyId,omitempty" yaml:"kmsKeyId,omitempty"`
	BucketRegionalDomainName string `json:"bucketRegionalDomainName,omitempty" yaml:"bucketRegionalDomainName,omitempty"`
	UpdateArtifactACL        bool   `json:"updateArtifactAcl" yaml:"updateArtifactAcl"`
}

// Features are the per-region feature flags consulted by the builder.
type Features struct {
	DirectoryVpc      bool
	ExternalAccessVpc bool
	VpcFirewall       bool
	VirtualFirewall   bool
}
