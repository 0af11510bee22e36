package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// OrganizationsAPI is the subset of the Organizations client used by the provider.
type OrganizationsAPI interface {
	DescribeOrganization(ctx context.Context, params *organizations.DescribeOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error)
	CreateOrganization(ctx context.Context, params *organizations.CreateOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.CreateOrganizationOutput, error)
	ListRoots(ctx context.Context, params *organizations.ListRootsInput, optFns ...func(*organizations.Options)) (*organizations.ListRootsOutput, error)
	ListOrganizationalUnitsForParent(ctx context.Context, params *organizations.ListOrganizationalUnitsForParentInput, optFns ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error)
	CreateOrganizationalUnit(ctx context.Context, params *organizations.CreateOrganizationalUnitInput, optFns ...func(*organizations.Options)) (*organizations.CreateOrganizationalUnitOutput, error)
	ListAccounts(ctx context.Context, params *organizations.ListAccountsInput, optFns ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error)
	CreateAccount(ctx context.Context, params *organizations.CreateAccountInput, optFns ...func(*organizations.Options)) (*organizations.CreateAccountOutput, error)
	CreateGovCloudAccount(ctx context.Context, params *organizations.CreateGovCloudAccountInput, optFns ...func(*organizations.Options)) (*organizations.CreateGovCloudAccountOutput, error)
	DescribeCreateAccountStatus(ctx context.Context, params *organizations.DescribeCreateAccountStatusInput, optFns ...func(*organizations.Options)) (*organizations.DescribeCreateAccountStatusOutput, error)
	InviteAccountToOrganization(ctx context.Context, params *organizations.InviteAccountToOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.InviteAccountToOrganizationOutput, error)
	AcceptHandshake(ctx context.Context, params *organizations.AcceptHandshakeInput, optFns ...func(*organizations.Options)) (*organizations.AcceptHandshakeOutput, error)
	ListParents(ctx context.Context, params *organizations.ListParentsInput, optFns ...func(*organizations.Options)) (*organizations.ListParentsOutput, error)
	MoveAccount(ctx context.Context, params *organizations.MoveAccountInput, optFns ...func(*organizations.Options)) (*organizations.MoveAccountOutput, error)
}

// CloudFormationAPI is the subset of the CloudFormation client used by the provider.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStackSet(ctx context.Context, params *cloudformation.DescribeStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOutput, error)
	CreateStackSet(ctx context.Context, params *cloudformation.CreateStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackSetOutput, error)
	UpdateStackSet(ctx context.Context, params *cloudformation.UpdateStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackSetOutput, error)
	CreateStackInstances(ctx context.Context, params *cloudformation.CreateStackInstancesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackInstancesOutput, error)
	DescribeStackSetOperation(ctx context.Context, params *cloudformation.DescribeStackSetOperationInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOperationOutput, error)
}

// SSMAPI is the subset of the SSM client used by the provider.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SNSAPI is the subset of the SNS client used by the provider.
type SNSAPI interface {
	ListSubscriptionsByTopic(ctx context.Context, params *sns.ListSubscriptionsByTopicInput, optFns ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error)
}

// S3API is the subset of the S3 client used by the provider.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SecurityHubAPI is the subset of the Security Hub client used by the provider.
type SecurityHubAPI interface {
	ListMembers(ctx context.Context, params *securityhub.ListMembersInput, optFns ...func(*securityhub.Options)) (*securityhub.ListMembersOutput, error)
	CreateMembers(ctx context.Context, params *securityhub.CreateMembersInput, optFns ...func(*securityhub.Options)) (*securityhub.CreateMembersOutput, error)
	InviteMembers(ctx context.Context, params *securityhub.InviteMembersInput, optFns ...func(*securityhub.Options)) (*securityhub.InviteMembersOutput, error)
	ListInvitations(ctx context.Context, params *securityhub.ListInvitationsInput, optFns ...func(*securityhub.Options)) (*securityhub.ListInvitationsOutput, error)
	AcceptAdministratorInvitation(ctx context.Context, params *securityhub.AcceptAdministratorInvitationInput, optFns ...func(*securityhub.Options)) (*securityhub.AcceptAdministratorInvitationOutput, error)
}

// STSAPI is the subset of the STS client used by the provider.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Clients bundles the service clients for one account and region.
type Clients struct {
	Organizations  OrganizationsAPI
	CloudFormation CloudFormationAPI
	SSM            SSMAPI
	SNS            SNSAPI
	S3             S3API
	SecurityHub    SecurityHubAPI
	STS            STSAPI
}

// Target selects the account, region and role of a set of clients. An
// empty account or the central account uses the base credentials.
type Target struct {
	Account string
	Region  string
	Role    string
}

// ClientFactory creates the clients for a target.
type ClientFactory interface {
	Clients(ctx context.Context, target Target) (*Clients, error)
}

// sdkFactory builds SDK clients, assuming a role in every account other
// than the central account. Assumed credentials are cached per account and role.
type sdkFactory struct {
	base        aws.Config
	partition   string
	central     string
	sessionName string

	mu    sync.Mutex
	creds map[string]aws.CredentialsProvider
}

func newSDKFactory(base aws.Config, partition, central, sessionName string) *sdkFactory {
	return &sdkFactory{
		base:        base,
		partition:   partition,
		central:     central,
		sessionName: sessionName,
		creds:       make(map[string]aws.CredentialsProvider),
	}
}

// RoleARN returns the ARN of a role in an account.
func RoleARN(partition, account, role string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, role)
}

func (f *sdkFactory) credentials(account, role string) aws.CredentialsProvider {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := account + "/" + role
	if c, ok := f.creds[key]; ok {
		return c
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(f.base), RoleARN(f.partition, account, role),
		func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = f.sessionName
		})
	c := aws.NewCredentialsCache(provider)
	f.creds[key] = c
	return c
}

func (f *sdkFactory) Clients(_ context.Context, t Target) (*Clients, error) {
	cfg := f.base.Copy()
	if t.Region != "" {
		cfg.Region = t.Region
	}
	if t.Account != "" && (t.Account != f.central || t.Role != "") {
		if t.Role == "" {
			return nil, fmt.Errorf("no role to assume in account %s", t.Account)
		}
		cfg.Credentials = f.credentials(t.Account, t.Role)
	}

	return &Clients{
		Organizations:  organizations.NewFromConfig(cfg),
		CloudFormation: cloudformation.NewFromConfig(cfg),
		SSM:            ssm.NewFromConfig(cfg),
		SNS:            sns.NewFromConfig(cfg),
		S3:             s3.NewFromConfig(cfg),
		SecurityHub:    securityhub.NewFromConfig(cfg),
		STS:            sts.NewFromConfig(cfg),
	}, nil
}
