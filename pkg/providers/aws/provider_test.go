package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/govframe/pkg/engine"
)

const (
	testCentral = "111111111111"
	testRegion  = "us-east-1"
)

type fixture struct {
	org     *fakeOrganizations
	cfn     *fakeCloudFormation
	ssm     *fakeSSM
	sns     *fakeSNS
	s3      *fakeS3
	hub     *fakeSecurityHub
	factory *fakeFactory
	p       *Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		org: newFakeOrganizations(),
		cfn: &fakeCloudFormation{},
		ssm: newFakeSSM(map[string]string{}),
		sns: &fakeSNS{},
		s3:  newFakeS3(),
		hub: &fakeSecurityHub{members: map[string]string{}},
	}
	f.factory = &fakeFactory{clients: &Clients{
		Organizations:  f.org,
		CloudFormation: f.cfn,
		SSM:            f.ssm,
		SNS:            f.sns,
		S3:             f.s3,
		SecurityHub:    f.hub,
		STS:            fakeSTS{},
	}}

	p, err := New(context.Background(), Config{
		Region:           testRegion,
		CentralAccountID: testCentral,
		SourceBucket:     "source-bucket",
		ArtifactPrefix:   "artifacts",
		PollInterval:     time.Millisecond,
	}, WithClientFactory(f.factory))
	require.NoError(t, err)
	f.p = p
	return f
}

func (f *fixture) invoke(capability string, params map[string]interface{}) (*engine.CapabilityResult, error) {
	return f.p.Invoke(context.Background(), engine.Invocation{
		Capability: capability,
		TaskID:     "test/" + capability,
		Account:    testCentral,
		Region:     testRegion,
		Parameters: params,
	})
}

func TestProvider_UnsupportedCapability(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoke("launch-rockets", nil)
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestProvider_InitializeOrganizationCreatesMissingOrganization(t *testing.T) {
	f := newFixture(t)
	f.org.inUse = false
	f.org.ous["r-root"] = []orgtypes.OrganizationalUnit{{Id: aws.String("ou-a"), Name: aws.String("existing")}}

	res, err := f.invoke(engine.CapabilityInitializeOrganization, map[string]interface{}{
		"ouNames":                 []string{"existing", "fresh"},
		"organizationIdParameter": "/org/id",
	})
	require.NoError(t, err)

	assert.Equal(t, "o-created", res.Outputs["organizationId"])
	assert.Equal(t, true, res.Data["organizationCreated"])
	assert.Equal(t, []string{"fresh"}, res.Data["createdUnits"])
	assert.Equal(t, "o-created", f.ssm.puts["/org/id"])
	assert.Len(t, f.org.ous["r-root"], 2)
}

func TestProvider_InitializeOrgUnitsPlacesAccounts(t *testing.T) {
	f := newFixture(t)
	f.org.parents["222222222222"] = "r-root"
	f.org.parents["444444444444"] = "r-root"

	res, err := f.invoke(engine.CapabilityInitializeOrgUnits, map[string]interface{}{
		"ouName":         "us-east-1-default",
		"coreAccounts":   []string{"222222222222", "555555555555"},
		"tenantAccounts": []string{"444444444444"},
	})
	require.NoError(t, err)

	envOU := res.Outputs["ouId"]
	tenantOU := res.Outputs["tenantOuId"]
	assert.Equal(t, "ou-us-east-1-default", envOU)
	assert.Equal(t, "ou-us-east-1-default-tenants", tenantOU)
	assert.Equal(t, envOU, f.org.moved["222222222222"])
	assert.Equal(t, tenantOU, f.org.moved["444444444444"])
	assert.NotContains(t, f.org.moved, "555555555555")

	f.org.moved = map[string]string{}
	_, err = f.invoke(engine.CapabilityInitializeOrgUnits, map[string]interface{}{
		"ouName":         "us-east-1-default",
		"coreAccounts":   []string{"222222222222"},
		"tenantAccounts": []string{"444444444444"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.org.moved, "accounts already in place are not moved")
}

func TestProvider_CreateAccount(t *testing.T) {
	f := newFixture(t)

	res, err := f.invoke(engine.CapabilityCreateAccount, map[string]interface{}{"email": "logging@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "car-123", res.Outputs["requestId"])
	assert.Equal(t, []string{"logging@example.com"}, f.org.created)
}

func TestProvider_CreateAccountAlreadyExists(t *testing.T) {
	f := newFixture(t)
	f.org.accounts = []orgtypes.Account{{Id: aws.String("222222222222"), Email: aws.String("Logging@Example.com")}}

	_, err := f.invoke(engine.CapabilityCreateAccount, map[string]interface{}{"email": "logging@example.com"})
	require.Error(t, err)
	assert.True(t, engine.IsAlreadyExists(err))

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "222222222222", ee.Details["accountId"])
	assert.Empty(t, f.org.created)
}

func TestProvider_DescribeCreateAccount(t *testing.T) {
	f := newFixture(t)
	f.org.status = &orgtypes.CreateAccountStatus{
		Id:        aws.String("car-123"),
		State:     orgtypes.CreateAccountStateSucceeded,
		AccountId: aws.String("222222222222"),
	}

	res, err := f.invoke(engine.CapabilityDescribeCreateAccount, map[string]interface{}{
		"requestId":          "car-123",
		"accountIdParameter": "/accounts/logging",
	})
	require.NoError(t, err)
	assert.Equal(t, "222222222222", res.Outputs["accountId"])
	assert.Equal(t, "222222222222", f.ssm.puts["/accounts/logging"])

	f.org.status = &orgtypes.CreateAccountStatus{
		Id:            aws.String("car-124"),
		State:         orgtypes.CreateAccountStateFailed,
		FailureReason: orgtypes.CreateAccountFailureReasonEmailAlreadyExists,
	}
	_, err = f.invoke(engine.CapabilityDescribeCreateAccount, map[string]interface{}{"requestId": "car-124"})
	assert.True(t, engine.IsAlreadyExists(err))

	f.org.status.FailureReason = orgtypes.CreateAccountFailureReasonAccountLimitExceeded
	_, err = f.invoke(engine.CapabilityDescribeCreateAccount, map[string]interface{}{"requestId": "car-124"})
	assert.True(t, engine.IsExecution(err))
}

func TestProvider_InviteAccountAcceptsFromChild(t *testing.T) {
	f := newFixture(t)

	res, err := f.invoke(engine.CapabilityInviteAccount, map[string]interface{}{"accountId": "333333333333"})
	require.NoError(t, err)
	assert.Equal(t, "h-1", res.Outputs["handshakeId"])
	assert.Equal(t, []string{"333333333333"}, f.org.invited)
	assert.Equal(t, []string{"h-1"}, f.org.accepted)

	targets := f.factory.Targets()
	last := targets[len(targets)-1]
	assert.Equal(t, "333333333333", last.Account)
	assert.Equal(t, DefaultAccountAccessRole, last.Role)

	f.org.accounts = []orgtypes.Account{{Id: aws.String("333333333333")}}
	_, err = f.invoke(engine.CapabilityInviteAccount, map[string]interface{}{"accountId": "333333333333"})
	assert.True(t, engine.IsAlreadyExists(err))
}

func TestProvider_FindOrgUnit(t *testing.T) {
	f := newFixture(t)
	f.org.ous["r-root"] = []orgtypes.OrganizationalUnit{{Id: aws.String("ou-work"), Name: aws.String("workloads")}}
	f.org.ous["ou-work"] = []orgtypes.OrganizationalUnit{{Id: aws.String("ou-ten"), Name: aws.String("tenants")}}

	res, err := f.invoke(engine.CapabilityFindOrgUnit, map[string]interface{}{"ouPath": "workloads/tenants"})
	require.NoError(t, err)
	assert.Equal(t, "r-root", res.Outputs["rootId"])
	assert.Equal(t, "ou-ten", res.Outputs["ouId"])

	res, err = f.invoke(engine.CapabilityFindOrgUnit, map[string]interface{}{"ouPath": ""})
	require.NoError(t, err)
	assert.Equal(t, "r-root", res.Outputs["ouId"])

	_, err = f.invoke(engine.CapabilityFindOrgUnit, map[string]interface{}{"ouPath": "workloads/missing"})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
	assert.Empty(t, f.org.ous["ou-ten"], "lookups never create units")
}

func TestProvider_MoveAccount(t *testing.T) {
	f := newFixture(t)
	f.org.parents["333333333333"] = "r-root"
	params := map[string]interface{}{"accountId": "333333333333", "destinationParentId": "ou-ten"}

	res, err := f.invoke(engine.CapabilityMoveAccount, params)
	require.NoError(t, err)
	assert.Equal(t, true, res.Data["moved"])
	assert.Equal(t, "ou-ten", f.org.moved["333333333333"])

	f.org.moved = map[string]string{}
	res, err = f.invoke(engine.CapabilityMoveAccount, params)
	require.NoError(t, err)
	assert.Equal(t, false, res.Data["moved"])
	assert.Empty(t, f.org.moved)

	_, err = f.invoke(engine.CapabilityMoveAccount, map[string]interface{}{"accountId": "333333333333"})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestProvider_VerifySubscription(t *testing.T) {
	f := newFixture(t)
	params := map[string]interface{}{"topicArn": "arn:aws:sns:us-east-1:111111111111:notify"}

	_, err := f.invoke(engine.CapabilityVerifySubscription, params)
	assert.True(t, engine.IsTransient(err), "no subscriptions")

	f.sns.subscriptions = []string{"PendingConfirmation"}
	_, err = f.invoke(engine.CapabilityVerifySubscription, params)
	assert.True(t, engine.IsTransient(err), "pending subscription")

	f.sns.subscriptions = []string{"PendingConfirmation", "arn:aws:sns:us-east-1:111111111111:notify:abc"}
	_, err = f.invoke(engine.CapabilityVerifySubscription, params)
	assert.NoError(t, err)
}

func TestProvider_VerifyCredentials(t *testing.T) {
	f := newFixture(t)
	f.ssm.values["/creds/key"] = "AKIA"
	f.ssm.values["/creds/blank"] = " "

	res, err := f.invoke(engine.CapabilityVerifyCredentials, map[string]interface{}{
		"parameters": []string{"/creds/key"},
	})
	require.NoError(t, err)
	assert.Equal(t, testCentral, res.Outputs["account"])

	for _, name := range []string{"/creds/blank", "/creds/missing"} {
		_, err := f.invoke(engine.CapabilityVerifyCredentials, map[string]interface{}{
			"parameters": []string{"/creds/key", name},
		})
		assert.True(t, engine.IsConfiguration(err), name)
	}
}

func TestProvider_GetParameters(t *testing.T) {
	f := newFixture(t)
	f.ssm.values["/logging/cmk"] = "arn:aws:kms:key"

	res, err := f.invoke(engine.CapabilityGetSSMParameters, map[string]interface{}{
		"Items": []map[string]interface{}{{"Name": "/logging/cmk", "OutputVariable": "cmkArn"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:kms:key", res.Outputs["cmkArn"])

	_, err = f.invoke(engine.CapabilityGetSSMParameters, map[string]interface{}{
		"Items": []map[string]interface{}{{"Name": "/missing", "OutputVariable": "x"}},
	})
	require.Error(t, err)
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeNotFound, ee.Code)
}

func deployInvocation(params map[string]interface{}) engine.Invocation {
	return engine.Invocation{
		Capability: engine.CapabilityDeployStack,
		Kind:       engine.TaskNativeDeploy,
		TaskID:     "transit/TransitInit",
		Account:    "333333333333",
		Region:     testRegion,
		Parameters: params,
		Deploy: &engine.DeploySpec{
			StackName:                "transit-init",
			TemplatePath:             "templates/transit.yaml",
			TemplatePrefix:           "compliant-framework-transit-core",
			BucketRegionalDomainName: "artifacts.s3.us-east-1.amazonaws.com",
			Capabilities:             "CAPABILITY_IAM",
		},
	}
}

func TestProvider_DeployStackCreates(t *testing.T) {
	f := newFixture(t)
	f.cfn.statuses = []string{"CREATE_IN_PROGRESS", "CREATE_IN_PROGRESS", "CREATE_COMPLETE"}
	f.cfn.outputs = map[string]string{"oTransitGatewayId": "tgw-1"}
	f.ssm.values["/stack/extra"] = `{"pExtra":"x","pRepo":"ignored"}`

	res, err := f.p.Invoke(context.Background(), deployInvocation(map[string]interface{}{
		"pRepo":            "transit",
		"pTags":            map[string]string{"a": "b"},
		"pEnabled":         true,
		"ssmParameterPath": "/stack/extra",
	}))
	require.NoError(t, err)
	assert.Equal(t, "tgw-1", res.Outputs["oTransitGatewayId"])

	require.Len(t, f.cfn.creates, 1)
	in := f.cfn.creates[0]
	assert.Equal(t, "https://artifacts.s3.us-east-1.amazonaws.com/compliant-framework-transit-core/templates/transit.yaml",
		aws.ToString(in.TemplateURL))

	got := map[string]string{}
	for _, p := range in.Parameters {
		got[aws.ToString(p.ParameterKey)] = aws.ToString(p.ParameterValue)
	}
	assert.Equal(t, map[string]string{
		"pRepo":    "transit",
		"pTags":    `{"a":"b"}`,
		"pEnabled": "true",
		"pExtra":   "x",
	}, got)

	targets := f.factory.Targets()
	assert.Equal(t, Target{Account: "333333333333", Region: testRegion, Role: DefaultAccountAccessRole}, targets[0])
}

func TestProvider_DeployStackNoUpdates(t *testing.T) {
	f := newFixture(t)
	f.cfn.exists = true
	f.cfn.current = "CREATE_COMPLETE"
	f.cfn.outputs = map[string]string{"oId": "1"}
	f.cfn.updateErr = apiError("ValidationError", "No updates are to be performed.")

	res, err := f.p.Invoke(context.Background(), deployInvocation(nil))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Outputs["oId"])
	assert.Equal(t, 1, f.cfn.updates)
	assert.Empty(t, f.cfn.creates)
}

func TestProvider_DeployStackReplacesRolledBackStack(t *testing.T) {
	f := newFixture(t)
	f.cfn.exists = true
	f.cfn.statuses = []string{"ROLLBACK_COMPLETE", "CREATE_COMPLETE"}

	_, err := f.p.Invoke(context.Background(), deployInvocation(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, f.cfn.deletes)
	assert.Len(t, f.cfn.creates, 1)
}

func TestProvider_DeployStackFailure(t *testing.T) {
	f := newFixture(t)
	f.cfn.statuses = []string{"CREATE_IN_PROGRESS", "ROLLBACK_IN_PROGRESS", "ROLLBACK_COMPLETE"}

	_, err := f.p.Invoke(context.Background(), deployInvocation(nil))
	require.Error(t, err)
	assert.True(t, engine.IsExecution(err))
}

func TestProvider_StackSet(t *testing.T) {
	f := newFixture(t)
	f.org.ous["r-root"] = []orgtypes.OrganizationalUnit{{Id: aws.String("ou-env"), Name: aws.String("us-east-1-default")}}
	f.cfn.stackSetErr = apiError("StackSetNotFoundException", "missing")
	f.cfn.opStatuses = []string{"RUNNING", "SUCCEEDED"}

	params := map[string]interface{}{
		"stackSetName": "default-security-baseline-stackset-us-east-1",
		"ouName":       "us-east-1-default",
		"templateUrl":  "https://bucket/template.yaml",
		"region":       testRegion,
		"parameters":   map[string]string{"pA": "1"},
		"capabilities": []string{"CAPABILITY_NAMED_IAM"},
		"tags":         map[string]string{"solution": "x"},
	}
	res, err := f.invoke(engine.CapabilityStackSet, params)
	require.NoError(t, err)
	assert.Equal(t, "op-create", res.Outputs["operationId"])
	assert.Equal(t, 1, f.cfn.setCreates)
	require.Len(t, f.cfn.instances, 1)
	assert.Equal(t, []string{"ou-env"}, f.cfn.instances[0].DeploymentTargets.OrganizationalUnitIds)

	f.cfn.stackSetErr = nil
	f.cfn.opStatuses = []string{"FAILED"}
	_, err = f.invoke(engine.CapabilityStackSet, params)
	assert.True(t, engine.IsExecution(err))
	assert.Equal(t, 1, f.cfn.setUpdates)

	params["ouName"] = "unknown"
	_, err = f.invoke(engine.CapabilityStackSet, params)
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeNotFound, ee.Code)
}

func TestProvider_SecurityHubInvite(t *testing.T) {
	f := newFixture(t)
	f.hub.members["222222222222"] = "Enabled"

	res, err := f.invoke(engine.CapabilitySecurityHubInvite, map[string]interface{}{
		"accountIds": []string{"222222222222", "444444444444"},
		"partition":  "aws",
		"region":     testRegion,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"444444444444"}, f.hub.created)
	assert.Equal(t, []string{"inv-central"}, f.hub.accepted)
	assert.Equal(t, 1, res.Data["accepted"])

	targets := f.factory.Targets()
	assert.Equal(t, DefaultSecurityHubRole, targets[len(targets)-1].Role)
}

func TestProvider_CopySource(t *testing.T) {
	f := newFixture(t)
	f.s3.put("source-bucket", "repo-a/main/templates/a.yaml", "a")
	f.s3.put("source-bucket", "repo-a/main/templates/b.yaml", "b")
	f.s3.put("source-bucket", "repo-a/dev/templates/c.yaml", "c")
	f.s3.put("artifacts", "repo-a/stale.yaml", "old")

	_, err := f.invoke(engine.CapabilityCopySourceToS3, map[string]interface{}{
		"bucketName":      "artifacts",
		"kmsKeyId":        "key-1",
		"repositoryNames": []string{"repo-a"},
		"branchName":      "main",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"repo-a/templates/a.yaml": "a",
		"repo-a/templates/b.yaml": "b",
	}, f.s3.objects["artifacts"])
	for _, c := range f.s3.copies {
		assert.Equal(t, s3types.ServerSideEncryptionAwsKms, c.ServerSideEncryption)
		assert.Equal(t, "key-1", aws.ToString(c.SSEKMSKeyId))
	}
}

func TestProvider_UpdateArtifactACL(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoke(engine.CapabilityUpdateArtifactACL, map[string]interface{}{"bucketName": "artifacts"})
	require.NoError(t, err)
	assert.Empty(t, f.s3.puts)

	f.s3.put("artifacts", "artifacts/transit-us-east-1.zip", "zip")
	res, err := f.invoke(engine.CapabilityUpdateArtifactACL, map[string]interface{}{
		"bucketName": "artifacts",
		"kmsKeyId":   "key-1",
		"artifact":   "transit-us-east-1.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, "artifacts/transit-us-east-1.zip", res.Outputs["artifactKey"])
	require.Len(t, f.s3.puts, 1)
	assert.Equal(t, s3types.ObjectCannedACLBucketOwnerFullControl, f.s3.puts[0].ACL)
	assert.Equal(t, "zip", f.s3.objects["artifacts"]["artifacts/transit-us-east-1.zip"])
}

func TestProvider_StartDeployment(t *testing.T) {
	f := newFixture(t)

	res, err := f.invoke(engine.CapabilityStartDeployment, map[string]interface{}{
		"bucketName": "artifacts",
		"key":        "deployments/default.json",
		"document":   `{"plan":"default"}`,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Outputs["deploymentId"])
	assert.Equal(t, `{"plan":"default"}`, f.s3.objects["artifacts"]["deployments/default.json"])
}
