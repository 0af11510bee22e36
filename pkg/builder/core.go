package builder

import (
	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// Core pipeline stage names.
const (
	StageCopySource             = "Deploy-CopySourceToS3"
	StageInitializeCoreAccounts = "Deploy-InitializeCoreAccounts"
	StageCoreSecurityHub        = "SecurityHub-InviteMembers"
)

// CorePlan builds the core pipeline, which bootstraps the logging and
// central accounts in every deploy region.
func (b *Builder) CorePlan() (*engine.Plan, error) {
	p := b.newPipeline(topology.CorePipelineName, "")

	p.copySources(topology.CorePipelineName, []string{topology.RepoCentralCore})

	if err := p.initializeCoreAccounts(); err != nil {
		return nil, err
	}

	p.beginStage(StageCoreSecurityHub)
	for _, region := range p.topo.DeployToRegions {
		p.invoke(topology.ActionName("InviteMembers", region), "security-hub",
			engine.CapabilitySecurityHubInvite, 1, p.topo.Central.AccountID, region,
			map[string]interface{}{
				"accountIds": []string{p.topo.Logging.AccountID},
				"partition":  p.topo.Partition,
				"region":     region,
			})
	}

	return p.finish()
}

// initializeCoreAccounts deploys logging-init then central-init, one region
// after the other.
func (p *pipeline) initializeCoreAccounts() error {
	p.beginStage(StageInitializeCoreAccounts)
	order := engine.NewRunOrder()

	for _, region := range p.topo.DeployToRegions {
		params := p.baseParams(topology.RepoCentralCore)
		params["pCentralAccountId"] = p.topo.Central.AccountID
		params["pPrimaryRegion"] = p.topo.Core.PrimaryRegion
		params["pNotificationsEmail"] = p.topo.Core.NotificationsEmail
		params["pPrincipalOrgId"] = p.topo.Central.OrganizationID

		used, err := p.addStack(stackAction{
			ActionName:   "LoggingInit",
			Subsystem:    "logging-init",
			Output:       "logging-init",
			StackName:    "logging-init",
			Source:       topology.RepoCentralCore,
			TemplatePath: "templates/logging/logging-init.yml",
			Capabilities: CapabilityNamedIAM,
			Account:      p.topo.Logging.AccountID,
			Region:       region,
			Parameters:   params,
			UpdateACL:    true,
		}, order.Allocate())
		if err != nil {
			return err
		}
		order.Advance(used)

		cmk, err := p.reference("pConsolidatedLogsS3BucketCmkArn",
			"oConsolidatedLogsS3BucketCmkArn", region, "logging-init")
		if err != nil {
			return err
		}

		params = p.baseParams(topology.RepoCentralCore)
		params["pLoggingAccountId"] = p.topo.Logging.AccountID
		params["pPrimaryRegion"] = p.topo.Core.PrimaryRegion
		params["pNotificationsEmail"] = p.topo.Core.NotificationsEmail

		used, err = p.addStack(stackAction{
			ActionName:   "CentralInit",
			Subsystem:    "central-init",
			StackName:    "central-init",
			Source:       topology.RepoCentralCore,
			TemplatePath: "templates/central/central-init.yml",
			Capabilities: CapabilityNamedIAM,
			Account:      p.topo.Central.AccountID,
			Region:       region,
			Parameters:   params,
			Inputs:       []engine.InputRef{cmk},
		}, order.Allocate())
		if err != nil {
			return err
		}
		order.Advance(used)
	}

	p.endStage()
	return nil
}
