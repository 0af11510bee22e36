package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"

	"github.com/openfroyo/govframe/pkg/engine"
)

// inviteSecurityHubMembers makes the central account the Security Hub
// administrator of every listed account: new members are created and
// invited, and pending invitations are accepted from the member side.
func (p *Provider) inviteSecurityHubMembers(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	region := inv.StringParam("region")
	if region == "" {
		region = inv.Region
	}
	accountIDs := inv.StringSliceParam("accountIds")

	c, err := p.centralClients(ctx, region)
	if err != nil {
		return nil, err
	}

	members, err := listMembers(ctx, c.SecurityHub)
	if err != nil {
		return nil, err
	}

	var fresh []string
	for _, id := range accountIDs {
		if _, ok := members[id]; !ok {
			fresh = append(fresh, id)
		}
	}

	if len(fresh) > 0 {
		details := make([]shtypes.AccountDetails, 0, len(fresh))
		for _, id := range fresh {
			details = append(details, shtypes.AccountDetails{AccountId: aws.String(id)})
		}
		if _, err := c.SecurityHub.CreateMembers(ctx, &securityhub.CreateMembersInput{AccountDetails: details}); err != nil {
			return nil, wrapAWSError(err, "failed to create Security Hub members")
		}
		if _, err := c.SecurityHub.InviteMembers(ctx, &securityhub.InviteMembersInput{AccountIds: fresh}); err != nil {
			return nil, wrapAWSError(err, "failed to invite Security Hub members")
		}
		if members, err = listMembers(ctx, c.SecurityHub); err != nil {
			return nil, err
		}
	}

	accepted := 0
	for _, id := range accountIDs {
		if members[id] != "Invited" {
			continue
		}
		ok, err := p.acceptInvitation(ctx, id, region)
		if err != nil {
			return nil, err
		}
		if ok {
			accepted++
		}
	}

	p.logger.Info().
		Str("region", region).
		Int("invited", len(fresh)).
		Int("accepted", accepted).
		Msg("Security Hub members updated")

	return &engine.CapabilityResult{
		Data: map[string]interface{}{
			"invited":  fresh,
			"accepted": accepted,
		},
	}, nil
}

// acceptInvitation accepts the central account's invitation from inside
// the member account.
func (p *Provider) acceptInvitation(ctx context.Context, account, region string) (bool, error) {
	member, err := p.factory.Clients(ctx, Target{Account: account, Region: region, Role: p.cfg.SecurityHubRole})
	if err != nil {
		return false, engine.NewConfigurationError("failed to create Security Hub member clients", err).
			WithResource(account)
	}

	input := &securityhub.ListInvitationsInput{}
	for {
		out, err := member.SecurityHub.ListInvitations(ctx, input)
		if err != nil {
			return false, wrapAWSError(err, "failed to list Security Hub invitations").WithResource(account)
		}
		for _, invitation := range out.Invitations {
			if aws.ToString(invitation.AccountId) != p.cfg.CentralAccountID {
				continue
			}
			if _, err := member.SecurityHub.AcceptAdministratorInvitation(ctx, &securityhub.AcceptAdministratorInvitationInput{
				AdministratorId: aws.String(p.cfg.CentralAccountID),
				InvitationId:    invitation.InvitationId,
			}); err != nil {
				return false, wrapAWSError(err, "failed to accept Security Hub invitation").WithResource(account)
			}
			return true, nil
		}
		if out.NextToken == nil {
			return false, nil
		}
		input.NextToken = out.NextToken
	}
}

// listMembers returns the member status of every member account.
func listMembers(ctx context.Context, client SecurityHubAPI) (map[string]string, error) {
	members := make(map[string]string)
	input := &securityhub.ListMembersInput{OnlyAssociated: aws.Bool(false)}
	for {
		out, err := client.ListMembers(ctx, input)
		if err != nil {
			return nil, wrapAWSError(err, "failed to list Security Hub members")
		}
		for _, m := range out.Members {
			members[aws.ToString(m.AccountId)] = aws.ToString(m.MemberStatus)
		}
		if out.NextToken == nil {
			return members, nil
		}
		input.NextToken = out.NextToken
	}
}
