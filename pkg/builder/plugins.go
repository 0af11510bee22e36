package builder

import (
	"fmt"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// PluginOutput returns the registry stage of a plugin action.
func PluginOutput(actionName string) string {
	return "plugin-" + actionName
}

// plugin emits one stage per plugin. Every action deploys at run order 1;
// an action with a transit gateway attachment is followed by the attachment
// stack once its own outputs exist.
func (p *pipeline) plugin(name string) error {
	p.beginStage(PluginStage(name))

	for _, region := range p.topo.PluginRegions(name) {
		for _, action := range p.topo.Plugins[name][region].Actions {
			switch action.DeploymentAction {
			case topology.DeploymentCloudFormation:
				if err := p.pluginAction(name, region, action); err != nil {
					return err
				}
			default:
				p.warn(fmt.Sprintf("skipping %s action %s of plugin %s in %s: deployment action not supported",
					action.DeploymentAction, action.ActionName, name, region))
			}
		}
	}

	p.endStage()
	return nil
}

func (p *pipeline) pluginAction(plugin, region string, action topology.PluginAction) error {
	account := action.Environments[p.env].AccountID
	output := PluginOutput(action.ActionName)

	tgw, err := p.reference("pTransitGatewayId", "oTransitGatewayId", region, OutputTransitInit)
	if err != nil {
		return err
	}

	params := p.baseParams(topology.RepoManagementServicesCore)
	params["pEnvironment"] = topology.StageEnvironment(p.env)
	params["pManagementServicesAccountId"] = p.topo.ManagementServicesAccount(region, p.env)
	params["pCentralAccountId"] = p.topo.Central.AccountID
	params["pPrincipalOrgId"] = p.topo.Central.OrganizationID

	runOrder := 1
	used, err := p.addStack(stackAction{
		ActionName:   action.ActionName,
		Subsystem:    topology.PluginSource(plugin),
		Output:       output,
		StackName:    "plugin-" + action.ActionName,
		Source:       topology.PluginSource(plugin),
		TemplatePath: action.TemplatePath,
		Capabilities: CapabilityIAM,
		Account:      account,
		Region:       region,
		Parameters:   params,
		Inputs:       []engine.InputRef{tgw},
		UpdateACL:    true,
	}, runOrder)
	if err != nil {
		return err
	}

	if !action.HasTransitGatewayAttachment {
		return nil
	}

	attach, err := p.reference("pTgwAttachId", "oTransitGatewayAttachmentId", region, output)
	if err != nil {
		return err
	}
	inputs := []engine.InputRef{attach}
	attachParams := make(map[string]interface{})

	f := p.topo.Features(region)
	routeTables := []struct {
		enabled   bool
		parameter string
		variable  string
	}{
		{f.DirectoryVpc, "pDirectoryRtId", "oTransitGatewayDirectoryRouteTableId"},
		{f.VirtualFirewall, "pFirewallRtId", "oTransitGatewayFirewallRouteTableId"},
		{f.VpcFirewall, "pInspectionRtId", "oTransitGatewayInspectionRouteTableId"},
		{f.ExternalAccessVpc, "pExternalAccessRtId", "oTransitGatewayExternalAccessRouteTableId"},
	}
	for _, rt := range routeTables {
		if !rt.enabled {
			attachParams[rt.parameter] = Sentinel
			continue
		}
		in, err := p.reference(rt.parameter, rt.variable, region, OutputTransitInit)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}

	_, err = p.addStack(stackAction{
		ActionName:   action.ActionName + "-tgw-attachment",
		Subsystem:    "transit-gateway-attachment",
		StackName:    "plugin-" + action.ActionName + "-tgw-attachment",
		Source:       topology.RepoTransitCore,
		TemplatePath: "templates/transit-attach-tenant.yml",
		Account:      account,
		Region:       region,
		Parameters:   attachParams,
		Inputs:       inputs,
		UpdateACL:    true,
	}, runOrder+used)
	return err
}

// federation emits the federation stack sets and, in the federation source
// environment, the federation stacks of the central and logging accounts.
func (p *pipeline) federation() error {
	p.beginStage(StageFederationSupport)

	for _, region := range p.topo.DeployToRegions {
		p.invoke(topology.ActionName("Federation-StackSet", region), "federation",
			engine.CapabilityStackSet, 1, p.topo.Central.AccountID, region,
			map[string]interface{}{
				"stackSetName": fmt.Sprintf("%s-federation-stackset-%s", p.env, region),
				"ouName":       topology.OUName(region, p.env),
				"templateUrl":  p.templateURL(topology.RepoSecurityBaseline, federationTemplate),
				"region":       region,
				"parameters": map[string]string{
					"pFederationName": p.topo.Federation.Name,
				},
				"capabilities": []string{CapabilityNamedIAM},
				"tags":         p.solutionTags(),
			})
	}

	if p.env == p.topo.Federation.SourceEnvironment {
		targets := []struct {
			action  string
			account string
		}{
			{"Federation-CentralAccount", p.topo.Central.AccountID},
			{"Federation-LoggingAccount", p.topo.Logging.AccountID},
		}
		for _, t := range targets {
			if _, err := p.addStack(stackAction{
				ActionName:   t.action,
				Subsystem:    "federation",
				StackName:    "federation-stack",
				Source:       topology.RepoSecurityBaseline,
				TemplatePath: federationTemplate,
				Capabilities: CapabilityNamedIAM,
				Account:      t.account,
				Region:       p.topo.Core.PrimaryRegion,
				Parameters: map[string]interface{}{
					"pFederationName": p.topo.Federation.Name,
				},
			}, 2); err != nil {
				return err
			}
		}
	}

	p.endStage()
	return nil
}
