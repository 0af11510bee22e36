package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/openfroyo/govframe/pkg/engine"
)

// TenantsSuffix names the tenant organizational unit nested in an environment unit.
const TenantsSuffix = "-tenants"

// initializeOrganization creates the organization when absent and ensures
// every requested organizational unit exists under the root.
func (p *Provider) initializeOrganization(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}

	created := false
	org, err := c.Organizations.DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	switch {
	case hasCode(err, "AWSOrganizationsNotInUseException"):
		out, cerr := c.Organizations.CreateOrganization(ctx, &organizations.CreateOrganizationInput{
			FeatureSet: orgtypes.OrganizationFeatureSetAll,
		})
		if cerr != nil {
			return nil, wrapAWSError(cerr, "failed to create organization")
		}
		org = &organizations.DescribeOrganizationOutput{Organization: out.Organization}
		created = true
	case err != nil:
		return nil, wrapAWSError(err, "failed to describe organization")
	}
	orgID := aws.ToString(org.Organization.Id)

	root, err := rootID(ctx, c.Organizations)
	if err != nil {
		return nil, err
	}

	var createdUnits []string
	for _, name := range inv.StringSliceParam("ouNames") {
		_, isNew, err := ensureOU(ctx, c.Organizations, root, name)
		if err != nil {
			return nil, err
		}
		if isNew {
			createdUnits = append(createdUnits, name)
		}
	}

	if path := inv.StringParam("organizationIdParameter"); path != "" {
		if err := putParameter(ctx, c.SSM, path, orgID); err != nil {
			return nil, err
		}
	}

	p.logger.Info().Str("organization_id", orgID).Bool("created", created).
		Strs("created_ous", createdUnits).Msg("Organization initialized")

	return &engine.CapabilityResult{
		Outputs: map[string]string{"organizationId": orgID, "rootId": root},
		Data: map[string]interface{}{
			"organizationCreated": created,
			"createdUnits":        createdUnits,
		},
	}, nil
}

// initializeOrgUnits ensures the environment unit and its tenant unit exist,
// then moves core accounts into the environment unit and tenant accounts
// into the tenant unit.
func (p *Provider) initializeOrgUnits(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	name := inv.StringParam("ouName")
	if name == "" {
		return nil, engine.NewConfigurationError("ouName is required", nil)
	}

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}
	root, err := rootID(ctx, c.Organizations)
	if err != nil {
		return nil, err
	}

	envOU, _, err := ensureOU(ctx, c.Organizations, root, name)
	if err != nil {
		return nil, err
	}
	tenantOU, _, err := ensureOU(ctx, c.Organizations, envOU, name+TenantsSuffix)
	if err != nil {
		return nil, err
	}

	moves := []struct {
		param string
		dest  string
	}{
		{"coreAccounts", envOU},
		{"tenantAccounts", tenantOU},
	}
	for _, m := range moves {
		for _, account := range inv.StringSliceParam(m.param) {
			if _, err := moveAccount(ctx, c.Organizations, account, m.dest); err != nil {
				return nil, err
			}
		}
	}

	return &engine.CapabilityResult{
		Outputs: map[string]string{"ouId": envOU, "tenantOuId": tenantOU},
	}, nil
}

// createAccount requests a new account. An email already present in the
// organization is reported as an existing resource.
func (p *Provider) createAccount(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	email := inv.StringParam("email")
	if email == "" {
		return nil, engine.NewConfigurationError("email is required", nil)
	}
	name := inv.StringParam("accountName")
	if name == "" {
		name = email
	}
	role := inv.StringParam("roleName")
	if role == "" {
		role = p.cfg.AccountAccessRole
	}

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}

	accounts, err := listAccounts(ctx, c.Organizations)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if strings.EqualFold(aws.ToString(a.Email), email) {
			return nil, engine.NewAlreadyExistsError("account already created", nil).
				WithResource(email).
				WithDetail("accountId", aws.ToString(a.Id))
		}
	}

	var status *orgtypes.CreateAccountStatus
	if inv.StringParam("govCloud") == "true" {
		out, err := c.Organizations.CreateGovCloudAccount(ctx, &organizations.CreateGovCloudAccountInput{
			Email:       aws.String(email),
			AccountName: aws.String(name),
			RoleName:    aws.String(role),
		})
		if err != nil {
			return nil, wrapAWSError(err, "failed to create GovCloud account").WithResource(email)
		}
		status = out.CreateAccountStatus
	} else {
		out, err := c.Organizations.CreateAccount(ctx, &organizations.CreateAccountInput{
			Email:       aws.String(email),
			AccountName: aws.String(name),
			RoleName:    aws.String(role),
		})
		if err != nil {
			return nil, wrapAWSError(err, "failed to create account").WithResource(email)
		}
		status = out.CreateAccountStatus
	}

	return accountStatusResult(status)
}

// describeCreateAccount reports the state of a create request. A request
// that failed because the email exists is an existing resource.
func (p *Provider) describeCreateAccount(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	requestID := inv.StringParam("requestId")
	if requestID == "" {
		return nil, engine.NewConfigurationError("requestId is required", nil)
	}

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}

	out, err := c.Organizations.DescribeCreateAccountStatus(ctx, &organizations.DescribeCreateAccountStatusInput{
		CreateAccountRequestId: aws.String(requestID),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to describe account creation").WithResource(requestID)
	}

	res, err := accountStatusResult(out.CreateAccountStatus)
	if err != nil {
		return nil, err
	}

	if res.Outputs["state"] == string(orgtypes.CreateAccountStateSucceeded) {
		if path := inv.StringParam("accountIdParameter"); path != "" {
			if err := putParameter(ctx, c.SSM, path, res.Outputs["accountId"]); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func accountStatusResult(status *orgtypes.CreateAccountStatus) (*engine.CapabilityResult, error) {
	if status == nil {
		return nil, engine.NewExecutionError("empty account creation status", nil)
	}

	outputs := map[string]string{
		"requestId": aws.ToString(status.Id),
		"state":     string(status.State),
	}
	if id := aws.ToString(status.AccountId); id != "" {
		outputs["accountId"] = id
	}
	if id := aws.ToString(status.GovCloudAccountId); id != "" {
		outputs["govCloudAccountId"] = id
	}

	if status.State == orgtypes.CreateAccountStateFailed {
		reason := string(status.FailureReason)
		if status.FailureReason == orgtypes.CreateAccountFailureReasonEmailAlreadyExists {
			return nil, engine.NewAlreadyExistsError("account email already exists", nil).
				WithDetail("reason", reason)
		}
		return nil, engine.NewExecutionError("account creation failed: "+reason, nil).
			WithResource(aws.ToString(status.Id)).
			WithDetail("reason", reason)
	}
	return &engine.CapabilityResult{Outputs: outputs}, nil
}

// inviteAccount invites an existing account and accepts the handshake from
// inside the invited account.
func (p *Provider) inviteAccount(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	accountID := inv.StringParam("accountId")
	if accountID == "" {
		return nil, engine.NewConfigurationError("accountId is required", nil)
	}

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}

	accounts, err := listAccounts(ctx, c.Organizations)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if aws.ToString(a.Id) == accountID {
			return nil, engine.NewAlreadyExistsError("account already part of organization", nil).
				WithResource(accountID)
		}
	}

	out, err := c.Organizations.InviteAccountToOrganization(ctx, &organizations.InviteAccountToOrganizationInput{
		Target: &orgtypes.HandshakeParty{
			Id:   aws.String(accountID),
			Type: orgtypes.HandshakePartyTypeAccount,
		},
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to invite account").WithResource(accountID)
	}
	handshakeID := aws.ToString(out.Handshake.Id)

	child, err := p.clients(ctx, accountID, inv.Region)
	if err != nil {
		return nil, err
	}
	accepted, err := child.Organizations.AcceptHandshake(ctx, &organizations.AcceptHandshakeInput{
		HandshakeId: aws.String(handshakeID),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to accept handshake").WithResource(accountID)
	}

	return &engine.CapabilityResult{
		Outputs: map[string]string{
			"handshakeId": handshakeID,
			"state":       string(accepted.Handshake.State),
		},
	}, nil
}

// findOrgUnit resolves a slash separated path of unit names below the root.
// An empty path resolves to the root itself.
func (p *Provider) findOrgUnit(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	path := inv.StringParam("ouPath")

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}
	root, err := rootID(ctx, c.Organizations)
	if err != nil {
		return nil, err
	}

	ou := root
	for _, name := range engine.SplitOUPath(path) {
		id, err := findOU(ctx, c.Organizations, ou, name)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, engine.NewConfigurationError("organizational unit path does not exist", nil).
				WithResource(path).
				WithCode(engine.ErrCodeNotFound).
				WithDetail("missing", name)
		}
		ou = id
	}

	return &engine.CapabilityResult{
		Outputs: map[string]string{"rootId": root, "ouId": ou},
	}, nil
}

// moveAccountTo places an account under a unit. Moving an account to the
// unit it is already in is not an error.
func (p *Provider) moveAccountTo(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	accountID := inv.StringParam("accountId")
	dest := inv.StringParam("destinationParentId")
	if accountID == "" || dest == "" {
		return nil, engine.NewConfigurationError("accountId and destinationParentId are required", nil)
	}

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}
	moved, err := moveAccount(ctx, c.Organizations, accountID, dest)
	if err != nil {
		return nil, err
	}

	return &engine.CapabilityResult{
		Outputs: map[string]string{"destinationParentId": dest},
		Data:    map[string]interface{}{"moved": moved},
	}, nil
}

func rootID(ctx context.Context, client OrganizationsAPI) (string, error) {
	out, err := client.ListRoots(ctx, &organizations.ListRootsInput{})
	if err != nil {
		return "", wrapAWSError(err, "failed to list organization roots")
	}
	if len(out.Roots) == 0 {
		return "", engine.NewExecutionError("organization has no root", nil).WithCode(engine.ErrCodeNotFound)
	}
	return aws.ToString(out.Roots[0].Id), nil
}

// findOU looks up an organizational unit by name under parent.
func findOU(ctx context.Context, client OrganizationsAPI, parent, name string) (string, error) {
	input := &organizations.ListOrganizationalUnitsForParentInput{ParentId: aws.String(parent)}
	for {
		out, err := client.ListOrganizationalUnitsForParent(ctx, input)
		if err != nil {
			return "", wrapAWSError(err, "failed to list organizational units")
		}
		for _, ou := range out.OrganizationalUnits {
			if aws.ToString(ou.Name) == name {
				return aws.ToString(ou.Id), nil
			}
		}
		if out.NextToken == nil {
			return "", nil
		}
		input.NextToken = out.NextToken
	}
}

// ensureOU returns the unit named name under parent, creating it when absent.
func ensureOU(ctx context.Context, client OrganizationsAPI, parent, name string) (string, bool, error) {
	id, err := findOU(ctx, client, parent, name)
	if err != nil || id != "" {
		return id, false, err
	}

	out, err := client.CreateOrganizationalUnit(ctx, &organizations.CreateOrganizationalUnitInput{
		ParentId: aws.String(parent),
		Name:     aws.String(name),
	})
	if err != nil {
		if hasCode(err, "DuplicateOrganizationalUnitException") {
			id, err := findOU(ctx, client, parent, name)
			return id, false, err
		}
		return "", false, wrapAWSError(err, "failed to create organizational unit").WithResource(name)
	}
	return aws.ToString(out.OrganizationalUnit.Id), true, nil
}

// moveAccount moves an account under dest unless it is already there and
// reports whether it moved. Accounts that are not in the organization are
// skipped.
func moveAccount(ctx context.Context, client OrganizationsAPI, account, dest string) (bool, error) {
	parents, err := client.ListParents(ctx, &organizations.ListParentsInput{ChildId: aws.String(account)})
	if err != nil {
		if hasCode(err, "ChildNotFoundException") || hasCode(err, "AccountNotFoundException") {
			return false, nil
		}
		return false, wrapAWSError(err, "failed to list account parents").WithResource(account)
	}
	if len(parents.Parents) == 0 {
		return false, nil
	}
	source := aws.ToString(parents.Parents[0].Id)
	if source == dest {
		return false, nil
	}

	_, err = client.MoveAccount(ctx, &organizations.MoveAccountInput{
		AccountId:           aws.String(account),
		SourceParentId:      aws.String(source),
		DestinationParentId: aws.String(dest),
	})
	switch {
	case err == nil:
		return true, nil
	case hasCode(err, "AccountNotFoundException"), hasCode(err, "DuplicateAccountException"):
		return false, nil
	}
	return false, wrapAWSError(err, "failed to move account").WithResource(account)
}

func listAccounts(ctx context.Context, client OrganizationsAPI) ([]orgtypes.Account, error) {
	var accounts []orgtypes.Account
	input := &organizations.ListAccountsInput{}
	for {
		out, err := client.ListAccounts(ctx, input)
		if err != nil {
			return nil, wrapAWSError(err, "failed to list accounts")
		}
		accounts = append(accounts, out.Accounts...)
		if out.NextToken == nil {
			return accounts, nil
		}
		input.NextToken = out.NextToken
	}
}

func putParameter(ctx context.Context, client SSMAPI, name, value string) error {
	_, err := client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return wrapAWSError(err, "failed to store parameter").WithResource(name)
	}
	return nil
}
