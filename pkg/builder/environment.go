package builder

import (
	"fmt"
	"strings"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// Environment pipeline stage names.
const (
	StageInitializeOrgUnits        = "Deploy-InitializeOrgUnits"
	StageManagementServicesLogging = "Deploy-ManagementServicesLogging"
	StageEnvironment               = "Deploy-Environment"
	StageSecurityBaseline          = "Deploy-SecurityBaseline"
	StageFederationSupport         = "Deploy-FederationSupport"
)

// Registry stages of the environment subsystems.
const (
	OutputLoggingInfo            = "get-logging-info"
	OutputTransitInit            = "transit-init"
	OutputManagementServicesInit = "management-services-init"
)

const (
	loggingCMKParameter      = "/compliant/framework/consolidated-logs/cmk/arn"
	securityBaselineSSMPath  = "/compliant/framework/central/stack-set/parameters/security-baseline"
	federationTemplate       = "templates/federation/federation.yml"
	securityBaselineTemplate = "templates/security-baseline.yml"
	backupServicesTemplate   = "templates/backup-services.yml"
)

// PluginStage returns the stage name of a plugin.
func PluginStage(plugin string) string {
	return "Deploy-Plugin-" + strings.ToUpper(plugin)
}

// EnvironmentPlan builds the pipeline of one environment.
func (b *Builder) EnvironmentPlan(env string) (*engine.Plan, error) {
	if !b.topo.HasEnvironment(env) {
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown environment %q", env), nil).
			WithResource(env)
	}

	name := topology.PipelineName(env)
	p := b.newPipeline(name, env)

	sources := []string{
		topology.RepoTransitCore,
		topology.RepoManagementServicesCore,
		topology.RepoSecurityBaseline,
	}
	for _, plugin := range p.topo.PluginNames() {
		sources = append(sources, topology.PluginSource(plugin))
	}
	p.copySources(name, sources)

	p.initializeOrgUnits()

	steps := []func() error{
		p.managementServicesLogging,
		p.environment,
		p.securityBaseline,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	for _, plugin := range p.topo.PluginNames() {
		if err := p.plugin(plugin); err != nil {
			return nil, err
		}
	}

	if p.topo.Federation.Enabled {
		if err := p.federation(); err != nil {
			return nil, err
		}
	}

	return p.finish()
}

func (p *pipeline) initializeOrgUnits() {
	p.beginStage(StageInitializeOrgUnits)
	for _, region := range p.topo.DeployToRegions {
		p.invoke(topology.ActionName("initializeOrgUnits", region), "organizational-units",
			engine.CapabilityInitializeOrgUnits, 1, p.topo.Central.AccountID, region,
			map[string]interface{}{
				"ouName":         topology.OUName(region, p.env),
				"coreAccounts":   p.topo.CoreAccounts(region, p.env),
				"tenantAccounts": p.topo.TenantAccounts(region, p.env),
			})
	}
	p.endStage()
}

func (p *pipeline) managementServicesLogging() error {
	p.beginStage(StageManagementServicesLogging)

	regions := p.topo.ManagementServicesRegions()
	if len(regions) == 0 {
		p.endStage()
		return nil
	}

	primary := p.topo.Core.PrimaryRegion
	id := p.invoke(topology.ActionName("GetLoggingInfo", primary), OutputLoggingInfo,
		engine.CapabilityGetSSMParameters, 1, p.topo.Central.AccountID, primary,
		map[string]interface{}{
			"Items": []map[string]interface{}{
				{"Name": loggingCMKParameter, "OutputVariable": "consolidatedLogsS3BucketCmkArn"},
			},
		})
	spec, err := p.declare(id, OutputLoggingInfo, primary, "GetLoggingInfo")
	if err != nil {
		return err
	}
	p.setOutput(id, spec)

	cmk, err := p.reference("pConsolidatedLogsS3BucketCmkArn",
		"consolidatedLogsS3BucketCmkArn", primary, OutputLoggingInfo)
	if err != nil {
		return err
	}

	for _, region := range regions {
		params := p.baseParams(topology.RepoManagementServicesCore)
		params["pS3Region"] = topology.S3Region(primary)
		params["pPrimaryRegion"] = primary
		params["pPrincipalOrgId"] = p.topo.Central.OrganizationID
		params["pLoggingAccountId"] = p.topo.Logging.AccountID

		if _, err := p.addStack(stackAction{
			ActionName:   "ManagementServicesLogging",
			Subsystem:    "management-services-logging",
			StackName:    "management-services-logging",
			Source:       topology.RepoManagementServicesCore,
			TemplatePath: "templates/management-services-logging.yml",
			Capabilities: CapabilityNamedIAM,
			Account:      p.topo.ManagementServicesAccount(region, p.env),
			Region:       region,
			Parameters:   params,
			Inputs:       []engine.InputRef{cmk},
			UpdateACL:    true,
		}, 2); err != nil {
			return err
		}
	}

	p.endStage()
	return nil
}

// environment emits transit-init, management-services-init and the transit
// gateway route tables. Each subsystem starts after the slowest region of the
// previous one.
func (p *pipeline) environment() error {
	p.beginStage(StageEnvironment)
	order := engine.NewRunOrder()

	var counts []int
	for _, region := range p.topo.TransitRegions() {
		f := p.topo.Features(region)
		params := p.baseParams(topology.RepoTransitCore)
		params["pManagementServicesAccountId"] = p.topo.ManagementServicesAccount(region, p.env)
		params["pCentralAccountId"] = p.topo.Central.AccountID
		params["pPrincipalOrgId"] = p.topo.Central.OrganizationID
		params["pEnableDirectoryVpc"] = boolString(f.DirectoryVpc)
		params["pEnableExternalAccessVpc"] = boolString(f.ExternalAccessVpc)
		params["pEnableVpcFirewall"] = boolString(f.VpcFirewall)
		params["pEnableVirtualFirewall"] = boolString(f.VirtualFirewall)

		used, err := p.addStack(stackAction{
			ActionName:   "TransitInit",
			Subsystem:    "transit-init",
			Output:       OutputTransitInit,
			StackName:    "transit-init",
			Source:       topology.RepoTransitCore,
			TemplatePath: "templates/transit-init.yml",
			Capabilities: CapabilityIAM,
			Account:      p.topo.TransitAccount(region, p.env),
			Region:       region,
			Parameters:   params,
			UpdateACL:    true,
		}, order.Allocate())
		if err != nil {
			return err
		}
		counts = append(counts, used)
	}
	order.Reserve(counts...)

	counts = counts[:0]
	for _, region := range p.topo.ManagementServicesRegions() {
		f := p.topo.Features(region)
		tgw, err := p.reference("pTransitGatewayId", "oTransitGatewayId", region, OutputTransitInit)
		if err != nil {
			return err
		}

		params := p.baseParams(topology.RepoManagementServicesCore)
		params["pEnableDirectoryVpc"] = boolString(f.DirectoryVpc)
		params["pEnableExternalAccessVpc"] = boolString(f.ExternalAccessVpc)
		params["pPrincipalOrgId"] = p.topo.Central.OrganizationID

		used, err := p.addStack(stackAction{
			ActionName:   "ManagementServicesInit",
			Subsystem:    "management-services-init",
			Output:       OutputManagementServicesInit,
			StackName:    "management-services-init",
			Source:       topology.RepoManagementServicesCore,
			TemplatePath: "templates/management-services-init.yml",
			Capabilities: CapabilityIAM,
			Account:      p.topo.ManagementServicesAccount(region, p.env),
			Region:       region,
			Parameters:   params,
			Inputs:       []engine.InputRef{tgw},
			UpdateACL:    true,
		}, order.Allocate())
		if err != nil {
			return err
		}
		counts = append(counts, used)
	}
	order.Reserve(counts...)

	counts = counts[:0]
	for _, region := range p.topo.CoreRegions() {
		used, err := p.routeTables(region, order.Allocate())
		if err != nil {
			return err
		}
		counts = append(counts, used)
	}
	order.Reserve(counts...)

	p.endStage()
	return nil
}

func (p *pipeline) routeTables(region string, runOrder int) (int, error) {
	f := p.topo.Features(region)

	params := p.baseParams(topology.RepoTransitCore)
	inputs := make([]engine.InputRef, 0, 3)

	ms, err := p.reference("pManagementServicesVpcTgwAttachId",
		"oManagementServicesVpcTransitGatewayAttachmentId", region, OutputManagementServicesInit)
	if err != nil {
		return 0, err
	}
	inputs = append(inputs, ms)

	optional := []struct {
		enabled   bool
		parameter string
		variable  string
	}{
		{f.DirectoryVpc, "pDirectoryVpcTgwAttachId", "oDirectoryVpcTransitGatewayAttachmentId"},
		{f.ExternalAccessVpc, "pExternalAccessVpcTgwAttachId", "oExternalAccessVpcTransitGatewayAttachmentId"},
	}
	for _, o := range optional {
		if !o.enabled {
			params[o.parameter] = Sentinel
			continue
		}
		in, err := p.reference(o.parameter, o.variable, region, OutputManagementServicesInit)
		if err != nil {
			return 0, err
		}
		inputs = append(inputs, in)
	}

	return p.addStack(stackAction{
		ActionName:   "TransitGatewayRouteTables",
		Subsystem:    "transit-gateway-routes",
		StackName:    "transit-gateway-routes",
		Source:       topology.RepoTransitCore,
		TemplatePath: "templates/transit-gateway-route-tables.yml",
		Account:      p.topo.TransitAccount(region, p.env),
		Region:       region,
		Parameters:   params,
		Inputs:       inputs,
	}, runOrder)
}

// securityBaseline fans out the security baseline and backup stack sets per
// management services region, followed by the monitoring invites.
func (p *pipeline) securityBaseline() error {
	p.beginStage(StageSecurityBaseline)

	for _, region := range p.topo.ManagementServicesRegions() {
		baseline := p.stackSetParams(region, "security-baseline", securityBaselineTemplate,
			map[string]string{
				"pCentralAccountId":            p.topo.Central.AccountID,
				"pManagementServicesAccountId": p.topo.ManagementServicesAccount(region, p.env),
			})
		baseline["ssmParameterPath"] = securityBaselineSSMPath
		p.invoke(topology.ActionName("SecurityBase-StackSet", region), "security-baseline",
			engine.CapabilityStackSet, 1, p.topo.Central.AccountID, region, baseline)

		p.invoke(topology.ActionName("SecurityHub-InviteMembers", region), "security-hub",
			engine.CapabilitySecurityHubInvite, 2, p.topo.Central.AccountID, region,
			map[string]interface{}{
				"accountIds": p.topo.MonitoredAccounts(region, p.env),
				"partition":  p.topo.Partition,
				"region":     region,
			})

		p.invoke(topology.ActionName("BackupServices-StackSet", region), "backup-services",
			engine.CapabilityStackSet, 1, p.topo.Central.AccountID, region,
			p.stackSetParams(region, "backup-services", backupServicesTemplate, map[string]string{}))
	}

	p.endStage()
	return nil
}

// stackSetName prefixes the environment only for the default environment.
// Deployed stack sets already carry these names.
func (p *pipeline) stackSetName(base, region string) string {
	name := base + "-stackset-" + region
	if p.env == topology.DefaultEnvironment {
		return p.env + "-" + name
	}
	return name
}

func (p *pipeline) stackSetParams(region, stackSet, template string, parameters map[string]string) map[string]interface{} {
	for k, v := range p.topo.StackSets[stackSet].Parameters {
		parameters[k] = v
	}
	return map[string]interface{}{
		"stackSetName": p.stackSetName(stackSet, region),
		"ouName":       topology.OUName(region, p.env),
		"templateUrl":  p.templateURL(topology.RepoSecurityBaseline, template),
		"region":       region,
		"parameters":   parameters,
		"capabilities": []string{CapabilityNamedIAM},
		"tags":         p.solutionTags(),
	}
}
