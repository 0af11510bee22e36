package builder

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

func newTestTopology(partition string, regions ...string) *topology.Topology {
	topo := &topology.Topology{
		Partition:          partition,
		Environments:       []string{topology.DefaultEnvironment},
		DeployToRegions:    regions,
		Core:               topology.CoreConfig{PrimaryRegion: regions[0], NotificationsEmail: "ops@example.com"},
		Central:            topology.CentralConfig{AccountID: "111111111111", OrganizationID: "o-abc123"},
		Logging:            topology.LoggingConfig{AccountID: "222222222222"},
		Transit:            make(map[string]topology.TransitRegion),
		ManagementServices: make(map[string]topology.ManagementServicesRegion),
		Solution:           topology.SolutionInfo{BuiltBy: "ops", Name: "framework", Version: "1.0.0"},
		Artifacts:          topology.ArtifactConfig{Bucket: "framework-artifacts", KMSKeyID: "key-1"},
	}
	for i, region := range regions {
		topo.Transit[region] = topology.TransitRegion{
			Environments: map[string]topology.EnvironmentAccount{
				topology.DefaultEnvironment: {AccountID: fmt.Sprintf("3333333333%02d", i)},
			},
		}
		topo.ManagementServices[region] = topology.ManagementServicesRegion{
			Environments: map[string]topology.EnvironmentAccount{
				topology.DefaultEnvironment: {AccountID: fmt.Sprintf("4444444444%02d", i)},
			},
		}
	}
	return topo
}

func addSamplePlugin(topo *topology.Topology, region string, actions ...topology.PluginAction) {
	if topo.Plugins == nil {
		topo.Plugins = make(map[string]map[string]topology.PluginRegion)
	}
	topo.Plugins["sample"] = map[string]topology.PluginRegion{
		region: {Actions: actions},
	}
}

func sampleAction(name string, attach bool) topology.PluginAction {
	return topology.PluginAction{
		ActionName:                  name,
		DeploymentAction:            topology.DeploymentCloudFormation,
		TemplatePath:                "templates/" + name + ".yml",
		HasTransitGatewayAttachment: attach,
		Environments: map[string]topology.EnvironmentAccount{
			topology.DefaultEnvironment: {AccountID: "555555555555"},
		},
	}
}

func findTask(t *testing.T, plan *engine.Plan, stage, name string) *engine.Task {
	t.Helper()
	task := plan.Task(stage + "/" + name)
	require.NotNil(t, task, "task %s/%s not in plan", stage, name)
	return task
}

func findInput(task *engine.Task, parameter string) (engine.InputRef, bool) {
	for _, in := range task.Inputs {
		if in.Parameter == parameter {
			return in, true
		}
	}
	return engine.InputRef{}, false
}

func TestEnvironmentPlanTwoRegionsWithoutPlugins(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1", "us-west-2")

	plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)
	assert.Equal(t, "environment-pipeline", plan.Pipeline)
	assert.NotEmpty(t, plan.ID)

	for _, suffix := range []string{"USE1", "USW2"} {
		transit := findTask(t, plan, StageEnvironment, "TransitInit-"+suffix)
		assert.Equal(t, 1, transit.RunOrder)
		assert.Equal(t, engine.TaskNativeDeploy, transit.Kind)
		require.NotNil(t, transit.Output)
		assert.Equal(t, "transit-init", transit.Output.Stage)

		ms := findTask(t, plan, StageEnvironment, "ManagementServicesInit-"+suffix)
		assert.Equal(t, 2, ms.RunOrder)
		in, ok := findInput(ms, "pTransitGatewayId")
		require.True(t, ok)
		assert.Equal(t, transit.ID, in.ProducerID)
		assert.Equal(t, transit.Region, in.Ref.Region)

		routes := findTask(t, plan, StageEnvironment, "TransitGatewayRouteTables-"+suffix)
		assert.Equal(t, 3, routes.RunOrder)
		assert.Equal(t, Sentinel, routes.Parameters["pDirectoryVpcTgwAttachId"])
		assert.Equal(t, Sentinel, routes.Parameters["pExternalAccessVpcTgwAttachId"])
		require.Len(t, routes.Inputs, 1)
		assert.Equal(t, "pManagementServicesVpcTgwAttachId", routes.Inputs[0].Parameter)
		assert.Equal(t, ms.ID, routes.Inputs[0].ProducerID)
	}
}

func TestEnvironmentPlanEnabledDirectoryVpcIsReferenced(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")
	ms := topo.ManagementServices["us-east-1"]
	ms.EnableDirectoryVpc = true
	topo.ManagementServices["us-east-1"] = ms

	plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)

	routes := findTask(t, plan, StageEnvironment, "TransitGatewayRouteTables-USE1")
	_, sentinel := routes.Parameters["pDirectoryVpcTgwAttachId"]
	assert.False(t, sentinel)
	in, ok := findInput(routes, "pDirectoryVpcTgwAttachId")
	require.True(t, ok)
	assert.Equal(t, "oDirectoryVpcTransitGatewayAttachmentId", in.Ref.Variable)
	assert.Equal(t, "#{management-services-init-us-east-1.output:oDirectoryVpcTransitGatewayAttachmentId}", in.Ref.String())
	assert.Equal(t, Sentinel, routes.Parameters["pExternalAccessVpcTgwAttachId"])
}

func TestPluginAttachmentUsesSentinelForDisabledFirewall(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")
	ms := topo.ManagementServices["us-east-1"]
	ms.EnableDirectoryVpc = true
	topo.ManagementServices["us-east-1"] = ms
	tr := topo.Transit["us-east-1"]
	tr.EnableVpcFirewall = true
	topo.Transit["us-east-1"] = tr
	addSamplePlugin(topo, "us-east-1", sampleAction("SampleStack", true))

	plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)

	stage := PluginStage("sample")
	assert.Equal(t, "Deploy-Plugin-SAMPLE", stage)

	deploy := findTask(t, plan, stage, "SampleStack-USE1")
	assert.Equal(t, 1, deploy.RunOrder)
	assert.Equal(t, "555555555555", deploy.Account)
	assert.Equal(t, "plugin-SampleStack", deploy.Deploy.StackName)
	assert.Equal(t, "compliant-framework-plugin-sample", deploy.Deploy.TemplatePrefix)

	attach := findTask(t, plan, stage, "SampleStack-tgw-attachment-USE1")
	assert.Greater(t, attach.RunOrder, deploy.RunOrder)
	assert.Equal(t, Sentinel, attach.Parameters["pFirewallRtId"])
	assert.Equal(t, Sentinel, attach.Parameters["pExternalAccessRtId"])

	tgw, ok := findInput(attach, "pTgwAttachId")
	require.True(t, ok)
	assert.Equal(t, deploy.ID, tgw.ProducerID)
	assert.Equal(t, "plugin-SampleStack", tgw.Ref.Stage)

	for _, param := range []string{"pDirectoryRtId", "pInspectionRtId"} {
		in, ok := findInput(attach, param)
		require.True(t, ok, param)
		assert.Equal(t, "transit-init", in.Ref.Stage)
		_, literal := attach.Parameters[param]
		assert.False(t, literal, param)
	}
}

func TestDelegatedRegionEmitsNoNativeTasks(t *testing.T) {
	topo := newTestTopology(topology.PartitionGovCloud, topology.RegionUSGovWest1, topology.RegionUSGovEast1)
	topo.Artifacts.UpdateArtifactACL = true
	addSamplePlugin(topo, topology.RegionUSGovEast1, sampleAction("SampleStack", true))

	plans, err := New(topo).Plans()
	require.NoError(t, err)

	delegated := 0
	for _, plan := range plans {
		for _, task := range plan.Tasks() {
			if task.FollowUpOf != "" {
				assert.Equal(t, engine.TaskNativeDeploy, plan.Task(task.FollowUpOf).Kind, task.ID)
			}
			if task.Region != topology.RegionUSGovEast1 {
				continue
			}
			assert.NotEqual(t, engine.TaskNativeDeploy, task.Kind, task.ID)
			assert.NotEqual(t, engine.TaskFollowUpACLUpdate, task.Kind, task.ID)
			if task.Kind == engine.TaskDelegatedDeploy {
				delegated++
				assert.Equal(t, topology.RegionUSGovWest1, task.Deploy.ProxyRegion)
				assert.Equal(t, engine.CapabilityCreateUpdateStack, engine.CapabilityFor(task))
			}
		}
	}
	assert.Positive(t, delegated)

	env := plans[1]
	ms := findTask(t, env, StageEnvironment, "ManagementServicesInit-USGE1")
	in, ok := findInput(ms, "pTransitGatewayId")
	require.True(t, ok)
	assert.Equal(t, engine.OutputBackendVariable, in.Ref.Backend)
	assert.Equal(t, "TransitInit-USGE1", in.Ref.Key)
}

func TestDependentsRunAfterProducers(t *testing.T) {
	topo := newTestTopology(topology.PartitionGovCloud, topology.RegionUSGovWest1, topology.RegionUSGovEast1)
	topo.Artifacts.UpdateArtifactACL = true
	topo.Federation = topology.FederationConfig{Enabled: true, Name: "corp", SourceEnvironment: topology.DefaultEnvironment}
	ms := topo.ManagementServices[topology.RegionUSGovWest1]
	ms.EnableDirectoryVpc = true
	ms.EnableExternalAccessVpc = true
	topo.ManagementServices[topology.RegionUSGovWest1] = ms
	addSamplePlugin(topo, topology.RegionUSGovWest1, sampleAction("SampleStack", true), sampleAction("Other", false))

	plans, err := New(topo).Plans()
	require.NoError(t, err)

	edges := 0
	for _, plan := range plans {
		for _, task := range plan.Tasks() {
			deps := make([]string, 0, len(task.Inputs)+1)
			for _, in := range task.Inputs {
				deps = append(deps, in.ProducerID)
			}
			if task.FollowUpOf != "" {
				deps = append(deps, task.FollowUpOf)
			}
			for _, id := range deps {
				dep := plan.Task(id)
				require.NotNil(t, dep, id)
				edges++
				if dep.Stage == task.Stage {
					assert.Greater(t, task.RunOrder, dep.RunOrder, "%s after %s", task.ID, dep.ID)
				}
			}
		}
	}
	assert.Positive(t, edges)
}

func TestZeroPluginSubsystemCount(t *testing.T) {
	fixed := map[string]bool{
		"transit-init":                true,
		"management-services-init":    true,
		"management-services-logging": true,
		"transit-gateway-routes":      true,
		"security-baseline":           true,
		"backup-services":             true,
	}

	for _, regions := range [][]string{
		{"us-east-1"},
		{"us-east-1", "us-west-2"},
		{topology.RegionUSGovWest1, topology.RegionUSGovEast1, "us-west-2"},
	} {
		topo := newTestTopology(topology.PartitionCommercial, regions...)
		plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
		require.NoError(t, err)

		count := 0
		for _, task := range plan.Tasks() {
			if fixed[task.Subsystem] {
				count++
			}
		}
		assert.Equal(t, 6*len(regions), count, "regions %v", regions)
	}
}

func TestUnsupportedPluginActionIsSkipped(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")
	cdk := sampleAction("CdkApp", false)
	cdk.DeploymentAction = topology.DeploymentCDK
	cdk.TemplatePath = ""
	addSamplePlugin(topo, "us-east-1", cdk, sampleAction("SampleStack", false))

	plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)

	stage := plan.Stage(PluginStage("sample"))
	require.NotNil(t, stage)
	require.Len(t, stage.Tasks, 1)
	assert.Equal(t, "SampleStack-USE1", stage.Tasks[0].Name)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "CdkApp")
}

func TestEmptyStagesAreOmitted(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")
	topo.ManagementServices = nil
	cdk := sampleAction("CdkApp", false)
	cdk.DeploymentAction = topology.DeploymentCDK
	addSamplePlugin(topo, "us-east-1", cdk)

	plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)

	names := make([]string, 0, len(plan.Stages))
	for _, s := range plan.Stages {
		assert.NotEmpty(t, s.Tasks, s.Name)
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StageCopySource, StageInitializeOrgUnits, StageEnvironment}, names)

	env := plan.Stage(StageEnvironment)
	require.Len(t, env.Tasks, 1)
	assert.Equal(t, "TransitInit-USE1", env.Tasks[0].Name)
}

func TestArtifactACLFollowUps(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")

	plan, err := New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)
	for _, task := range plan.Tasks() {
		assert.NotEqual(t, engine.TaskFollowUpACLUpdate, task.Kind, task.ID)
	}

	topo.Artifacts.UpdateArtifactACL = true
	plan, err = New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)

	transit := findTask(t, plan, StageEnvironment, "TransitInit-USE1")
	acl := findTask(t, plan, StageEnvironment, "TransitInitUpdateAcl-USE1")
	assert.Equal(t, engine.TaskFollowUpACLUpdate, acl.Kind)
	assert.Equal(t, transit.ID, acl.FollowUpOf)
	assert.Equal(t, transit.RunOrder+1, acl.RunOrder)
	assert.Equal(t, "transit-init-us-east-1.output", acl.Parameters["artifact"])
	assert.Equal(t, "framework-artifacts", acl.Parameters["bucketName"])
	assert.Equal(t, "111111111111", acl.Account)

	ms := findTask(t, plan, StageEnvironment, "ManagementServicesInit-USE1")
	assert.Equal(t, 3, ms.RunOrder)
	routes := findTask(t, plan, StageEnvironment, "TransitGatewayRouteTables-USE1")
	assert.Equal(t, 5, routes.RunOrder)
}

func TestSecurityBaselineStage(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")
	topo.Environments = append(topo.Environments, "prod")
	topo.Transit["us-east-1"].Environments["prod"] = topology.EnvironmentAccount{AccountID: "333333333399"}
	topo.ManagementServices["us-east-1"].Environments["prod"] = topology.EnvironmentAccount{AccountID: "444444444499"}
	topo.StackSets = map[string]topology.StackSetConfig{
		"security-baseline": {Parameters: map[string]string{"pComplianceSet": "moderate"}},
	}
	prod := sampleAction("SampleStack", false)
	prod.Environments["prod"] = topology.EnvironmentAccount{AccountID: "111111111111"}
	addSamplePlugin(topo, "us-east-1", prod)

	b := New(topo)

	plan, err := b.EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)
	baseline := findTask(t, plan, StageSecurityBaseline, "SecurityBase-StackSet-USE1")
	assert.Equal(t, 1, baseline.RunOrder)
	assert.Equal(t, "default-security-baseline-stackset-us-east-1", baseline.Parameters["stackSetName"])
	assert.Equal(t, "environment-use1", baseline.Parameters["ouName"])
	assert.Equal(t,
		"https://framework-artifacts.s3.us-east-1.amazonaws.com/compliant-framework-security-baseline/templates/security-baseline.yml",
		baseline.Parameters["templateUrl"])
	params, ok := baseline.Parameters["parameters"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "moderate", params["pComplianceSet"])
	assert.Equal(t, "444444444400", params["pManagementServicesAccountId"])
	assert.Equal(t, securityBaselineSSMPath, baseline.Parameters["ssmParameterPath"])

	invite := findTask(t, plan, StageSecurityBaseline, "SecurityHub-InviteMembers-USE1")
	assert.Equal(t, 2, invite.RunOrder)
	assert.Equal(t, []string{"333333333300", "444444444400", "555555555555"}, invite.Parameters["accountIds"])

	plan, err = b.EnvironmentPlan("prod")
	require.NoError(t, err)
	assert.Equal(t, "environment-pipeline-prod", plan.Pipeline)
	backup := findTask(t, plan, StageSecurityBaseline, "BackupServices-StackSet-USE1")
	assert.Equal(t, "backup-services-stackset-us-east-1", backup.Parameters["stackSetName"])
	assert.Equal(t, "environment-use1-prod", backup.Parameters["ouName"])
	invite = findTask(t, plan, StageSecurityBaseline, "SecurityHub-InviteMembers-USE1")
	assert.Equal(t, []string{"333333333399", "444444444499"}, invite.Parameters["accountIds"])
}

func TestFederationStage(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1", "us-west-2")
	topo.Environments = []string{topology.DefaultEnvironment, "prod"}
	for _, region := range topo.DeployToRegions {
		topo.Transit[region].Environments["prod"] = topology.EnvironmentAccount{AccountID: "333333333399"}
		topo.ManagementServices[region].Environments["prod"] = topology.EnvironmentAccount{AccountID: "444444444499"}
	}
	topo.Federation = topology.FederationConfig{Enabled: true, Name: "corp", SourceEnvironment: "prod"}

	b := New(topo)

	plan, err := b.EnvironmentPlan(topology.DefaultEnvironment)
	require.NoError(t, err)
	stage := plan.Stage(StageFederationSupport)
	require.NotNil(t, stage)
	assert.Len(t, stage.Tasks, 2)

	plan, err = b.EnvironmentPlan("prod")
	require.NoError(t, err)
	stage = plan.Stage(StageFederationSupport)
	require.NotNil(t, stage)
	assert.Len(t, stage.Tasks, 4)
	assert.Equal(t, "prod-federation-stackset-us-west-2",
		findTask(t, plan, StageFederationSupport, "Federation-StackSet-USW2").Parameters["stackSetName"])

	logging := findTask(t, plan, StageFederationSupport, "Federation-LoggingAccount-USE1")
	assert.Equal(t, 2, logging.RunOrder)
	assert.Equal(t, "222222222222", logging.Account)
	assert.Equal(t, "federation-stack", logging.Deploy.StackName)
}

func TestCorePlan(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1", "us-west-2")
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	plan, err := New(topo, WithClock(func() time.Time { return created })).CorePlan()
	require.NoError(t, err)
	assert.Equal(t, topology.CorePipelineName, plan.Pipeline)
	assert.Equal(t, created, plan.CreatedAt)

	copyStage := plan.Stage(StageCopySource)
	require.NotNil(t, copyStage)
	require.Len(t, copyStage.Tasks, 1)
	assert.Equal(t, []string{"compliant-framework-central-core"}, copyStage.Tasks[0].Parameters["repositoryNames"])

	order := 0
	for _, suffix := range []string{"USE1", "USW2"} {
		logging := findTask(t, plan, StageInitializeCoreAccounts, "LoggingInit-"+suffix)
		central := findTask(t, plan, StageInitializeCoreAccounts, "CentralInit-"+suffix)
		assert.Greater(t, logging.RunOrder, order)
		assert.Greater(t, central.RunOrder, logging.RunOrder)
		order = central.RunOrder

		in, ok := findInput(central, "pConsolidatedLogsS3BucketCmkArn")
		require.True(t, ok)
		assert.Equal(t, logging.ID, in.ProducerID)
		assert.Equal(t, logging.Region, in.Ref.Region)
	}

	invite := findTask(t, plan, StageCoreSecurityHub, "InviteMembers-USW2")
	assert.Equal(t, []string{"222222222222"}, invite.Parameters["accountIds"])
}

func TestPlansCoversEveryEnvironment(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")

	plans, err := New(topo).Plans()
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, topology.CorePipelineName, plans[0].Pipeline)
	assert.Equal(t, topology.DefaultEnvironment, plans[1].Environment)
	assert.NotEqual(t, plans[0].ID, plans[1].ID)
}

func TestEnvironmentPlanErrors(t *testing.T) {
	topo := newTestTopology(topology.PartitionCommercial, "us-east-1")

	_, err := New(topo).EnvironmentPlan("staging")
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))

	// Management services in a region without transit cannot find the
	// transit gateway it attaches to.
	topo = newTestTopology(topology.PartitionCommercial, "us-east-1", "us-west-2")
	delete(topo.Transit, "us-west-2")
	_, err = New(topo).EnvironmentPlan(topology.DefaultEnvironment)
	require.Error(t, err)
	assert.True(t, engine.IsConstruction(err))
}
