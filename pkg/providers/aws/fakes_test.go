package aws

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

type fakeFactory struct {
	mu      sync.Mutex
	clients *Clients
	targets []Target
}

func (f *fakeFactory) Clients(_ context.Context, t Target) (*Clients, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	return f.clients, nil
}

func (f *fakeFactory) Targets() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.targets...)
}

type fakeOrganizations struct {
	OrganizationsAPI

	inUse     bool
	accounts  []orgtypes.Account
	ous       map[string][]orgtypes.OrganizationalUnit
	parents   map[string]string
	status    *orgtypes.CreateAccountStatus
	created   []string
	moved     map[string]string
	invited   []string
	accepted  []string
	createErr error
}

func newFakeOrganizations() *fakeOrganizations {
	return &fakeOrganizations{
		inUse:   true,
		ous:     make(map[string][]orgtypes.OrganizationalUnit),
		parents: make(map[string]string),
		moved:   make(map[string]string),
	}
}

func (f *fakeOrganizations) DescribeOrganization(context.Context, *organizations.DescribeOrganizationInput, ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error) {
	if !f.inUse {
		return nil, apiError("AWSOrganizationsNotInUseException", "not in use")
	}
	return &organizations.DescribeOrganizationOutput{Organization: &orgtypes.Organization{Id: aws.String("o-existing")}}, nil
}

func (f *fakeOrganizations) CreateOrganization(context.Context, *organizations.CreateOrganizationInput, ...func(*organizations.Options)) (*organizations.CreateOrganizationOutput, error) {
	f.inUse = true
	return &organizations.CreateOrganizationOutput{Organization: &orgtypes.Organization{Id: aws.String("o-created")}}, nil
}

func (f *fakeOrganizations) ListRoots(context.Context, *organizations.ListRootsInput, ...func(*organizations.Options)) (*organizations.ListRootsOutput, error) {
	return &organizations.ListRootsOutput{Roots: []orgtypes.Root{{Id: aws.String("r-root")}}}, nil
}

func (f *fakeOrganizations) ListOrganizationalUnitsForParent(_ context.Context, in *organizations.ListOrganizationalUnitsForParentInput, _ ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error) {
	return &organizations.ListOrganizationalUnitsForParentOutput{OrganizationalUnits: f.ous[aws.ToString(in.ParentId)]}, nil
}

func (f *fakeOrganizations) CreateOrganizationalUnit(_ context.Context, in *organizations.CreateOrganizationalUnitInput, _ ...func(*organizations.Options)) (*organizations.CreateOrganizationalUnitOutput, error) {
	parent := aws.ToString(in.ParentId)
	ou := orgtypes.OrganizationalUnit{Id: aws.String("ou-" + aws.ToString(in.Name)), Name: in.Name}
	f.ous[parent] = append(f.ous[parent], ou)
	return &organizations.CreateOrganizationalUnitOutput{OrganizationalUnit: &ou}, nil
}

func (f *fakeOrganizations) ListAccounts(context.Context, *organizations.ListAccountsInput, ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	return &organizations.ListAccountsOutput{Accounts: f.accounts}, nil
}

func (f *fakeOrganizations) CreateAccount(_ context.Context, in *organizations.CreateAccountInput, _ ...func(*organizations.Options)) (*organizations.CreateAccountOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, aws.ToString(in.Email))
	return &organizations.CreateAccountOutput{CreateAccountStatus: &orgtypes.CreateAccountStatus{
		Id:    aws.String("car-123"),
		State: orgtypes.CreateAccountStateInProgress,
	}}, nil
}

func (f *fakeOrganizations) DescribeCreateAccountStatus(context.Context, *organizations.DescribeCreateAccountStatusInput, ...func(*organizations.Options)) (*organizations.DescribeCreateAccountStatusOutput, error) {
	return &organizations.DescribeCreateAccountStatusOutput{CreateAccountStatus: f.status}, nil
}

func (f *fakeOrganizations) InviteAccountToOrganization(_ context.Context, in *organizations.InviteAccountToOrganizationInput, _ ...func(*organizations.Options)) (*organizations.InviteAccountToOrganizationOutput, error) {
	f.invited = append(f.invited, aws.ToString(in.Target.Id))
	return &organizations.InviteAccountToOrganizationOutput{Handshake: &orgtypes.Handshake{Id: aws.String("h-1")}}, nil
}

func (f *fakeOrganizations) AcceptHandshake(_ context.Context, in *organizations.AcceptHandshakeInput, _ ...func(*organizations.Options)) (*organizations.AcceptHandshakeOutput, error) {
	f.accepted = append(f.accepted, aws.ToString(in.HandshakeId))
	return &organizations.AcceptHandshakeOutput{Handshake: &orgtypes.Handshake{
		Id:    in.HandshakeId,
		State: orgtypes.HandshakeStateAccepted,
	}}, nil
}

func (f *fakeOrganizations) ListParents(_ context.Context, in *organizations.ListParentsInput, _ ...func(*organizations.Options)) (*organizations.ListParentsOutput, error) {
	parent, ok := f.parents[aws.ToString(in.ChildId)]
	if !ok {
		return nil, apiError("ChildNotFoundException", "no such child")
	}
	return &organizations.ListParentsOutput{Parents: []orgtypes.Parent{{Id: aws.String(parent)}}}, nil
}

func (f *fakeOrganizations) MoveAccount(_ context.Context, in *organizations.MoveAccountInput, _ ...func(*organizations.Options)) (*organizations.MoveAccountOutput, error) {
	account := aws.ToString(in.AccountId)
	f.parents[account] = aws.ToString(in.DestinationParentId)
	f.moved[account] = aws.ToString(in.DestinationParentId)
	return &organizations.MoveAccountOutput{}, nil
}

// fakeCloudFormation replays stack statuses: each DescribeStacks call after
// a create or update consumes the next status.
type fakeCloudFormation struct {
	CloudFormationAPI

	exists      bool
	statuses    []string
	current     string
	outputs     map[string]string
	updateErr   error
	creates     []*cloudformation.CreateStackInput
	updates     int
	deletes     int
	stackSetErr error
	setCreates  int
	setUpdates  int
	instances   []*cloudformation.CreateStackInstancesInput
	opStatuses  []string
}

func (f *fakeCloudFormation) DescribeStacks(context.Context, *cloudformation.DescribeStacksInput, ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if !f.exists {
		return nil, apiError("ValidationError", "Stack with id x does not exist")
	}
	if len(f.statuses) > 0 {
		f.current, f.statuses = f.statuses[0], f.statuses[1:]
	}
	var outs []cftypes.Output
	for k, v := range f.outputs {
		outs = append(outs, cftypes.Output{OutputKey: aws.String(k), OutputValue: aws.String(v)})
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{{
		StackId:     aws.String("stack-id"),
		StackStatus: cftypes.StackStatus(f.current),
		Outputs:     outs,
	}}}, nil
}

func (f *fakeCloudFormation) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.creates = append(f.creates, in)
	f.exists = true
	return &cloudformation.CreateStackOutput{StackId: aws.String("stack-id")}, nil
}

func (f *fakeCloudFormation) UpdateStack(context.Context, *cloudformation.UpdateStackInput, ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.updates++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &cloudformation.UpdateStackOutput{}, nil
}

func (f *fakeCloudFormation) DeleteStack(context.Context, *cloudformation.DeleteStackInput, ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.deletes++
	f.exists = false
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *fakeCloudFormation) DescribeStackSet(context.Context, *cloudformation.DescribeStackSetInput, ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOutput, error) {
	if f.stackSetErr != nil {
		return nil, f.stackSetErr
	}
	return &cloudformation.DescribeStackSetOutput{StackSet: &cftypes.StackSet{}}, nil
}

func (f *fakeCloudFormation) CreateStackSet(context.Context, *cloudformation.CreateStackSetInput, ...func(*cloudformation.Options)) (*cloudformation.CreateStackSetOutput, error) {
	f.setCreates++
	return &cloudformation.CreateStackSetOutput{}, nil
}

func (f *fakeCloudFormation) UpdateStackSet(context.Context, *cloudformation.UpdateStackSetInput, ...func(*cloudformation.Options)) (*cloudformation.UpdateStackSetOutput, error) {
	f.setUpdates++
	return &cloudformation.UpdateStackSetOutput{OperationId: aws.String("op-update")}, nil
}

func (f *fakeCloudFormation) CreateStackInstances(_ context.Context, in *cloudformation.CreateStackInstancesInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackInstancesOutput, error) {
	f.instances = append(f.instances, in)
	return &cloudformation.CreateStackInstancesOutput{OperationId: aws.String("op-create")}, nil
}

func (f *fakeCloudFormation) DescribeStackSetOperation(context.Context, *cloudformation.DescribeStackSetOperationInput, ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOperationOutput, error) {
	status := "SUCCEEDED"
	if len(f.opStatuses) > 0 {
		status, f.opStatuses = f.opStatuses[0], f.opStatuses[1:]
	}
	return &cloudformation.DescribeStackSetOperationOutput{StackSetOperation: &cftypes.StackSetOperation{
		Status: cftypes.StackSetOperationStatus(status),
	}}, nil
}

type fakeSSM struct {
	SSMAPI

	values map[string]string
	puts   map[string]string
}

func newFakeSSM(values map[string]string) *fakeSSM {
	return &fakeSSM{values: values, puts: make(map[string]string)}
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, apiError("ParameterNotFound", "")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.puts[aws.ToString(in.Name)] = aws.ToString(in.Value)
	return &ssm.PutParameterOutput{}, nil
}

type fakeSNS struct {
	SNSAPI

	subscriptions []string
}

func (f *fakeSNS) ListSubscriptionsByTopic(context.Context, *sns.ListSubscriptionsByTopicInput, ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error) {
	var subs []snstypes.Subscription
	for _, arn := range f.subscriptions {
		subs = append(subs, snstypes.Subscription{SubscriptionArn: aws.String(arn)})
	}
	return &sns.ListSubscriptionsByTopicOutput{Subscriptions: subs}, nil
}

type fakeS3 struct {
	S3API

	objects map[string]map[string]string
	puts    []*s3.PutObjectInput
	copies  []*s3.CopyObjectInput
	deleted []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]map[string]string)}
}

func (f *fakeS3) put(bucket, key, body string) {
	if f.objects[bucket] == nil {
		f.objects[bucket] = make(map[string]string)
	}
	f.objects[bucket][key] = body
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []s3types.Object
	for key := range f.objects[aws.ToString(in.Bucket)] {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			contents = append(contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.copies = append(f.copies, in)
	parts := strings.SplitN(aws.ToString(in.CopySource), "/", 2)
	f.put(aws.ToString(in.Bucket), aws.ToString(in.Key), f.objects[parts[0]][parts[1]])
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, o := range in.Delete.Objects {
		delete(f.objects[aws.ToString(in.Bucket)], aws.ToString(o.Key))
		f.deleted = append(f.deleted, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, apiError("NoSuchKey", "missing")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.put(aws.ToString(in.Bucket), aws.ToString(in.Key), string(b))
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

type fakeSecurityHub struct {
	SecurityHubAPI

	members  map[string]string
	created  []string
	accepted []string
}

func (f *fakeSecurityHub) ListMembers(context.Context, *securityhub.ListMembersInput, ...func(*securityhub.Options)) (*securityhub.ListMembersOutput, error) {
	var members []shtypes.Member
	for id, status := range f.members {
		members = append(members, shtypes.Member{AccountId: aws.String(id), MemberStatus: aws.String(status)})
	}
	return &securityhub.ListMembersOutput{Members: members}, nil
}

func (f *fakeSecurityHub) CreateMembers(_ context.Context, in *securityhub.CreateMembersInput, _ ...func(*securityhub.Options)) (*securityhub.CreateMembersOutput, error) {
	for _, d := range in.AccountDetails {
		f.created = append(f.created, aws.ToString(d.AccountId))
		f.members[aws.ToString(d.AccountId)] = "Created"
	}
	return &securityhub.CreateMembersOutput{}, nil
}

func (f *fakeSecurityHub) InviteMembers(_ context.Context, in *securityhub.InviteMembersInput, _ ...func(*securityhub.Options)) (*securityhub.InviteMembersOutput, error) {
	for _, id := range in.AccountIds {
		f.members[id] = "Invited"
	}
	return &securityhub.InviteMembersOutput{}, nil
}

func (f *fakeSecurityHub) ListInvitations(context.Context, *securityhub.ListInvitationsInput, ...func(*securityhub.Options)) (*securityhub.ListInvitationsOutput, error) {
	return &securityhub.ListInvitationsOutput{Invitations: []shtypes.Invitation{
		{AccountId: aws.String("999999999999"), InvitationId: aws.String("inv-other")},
		{AccountId: aws.String(testCentral), InvitationId: aws.String("inv-central")},
	}}, nil
}

func (f *fakeSecurityHub) AcceptAdministratorInvitation(_ context.Context, in *securityhub.AcceptAdministratorInvitationInput, _ ...func(*securityhub.Options)) (*securityhub.AcceptAdministratorInvitationOutput, error) {
	f.accepted = append(f.accepted, aws.ToString(in.InvitationId))
	return &securityhub.AcceptAdministratorInvitationOutput{}, nil
}

type fakeSTS struct {
	STSAPI
}

func (fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(testCentral),
		Arn:     aws.String("arn:aws:iam::" + testCentral + ":user/deployer"),
	}, nil
}
