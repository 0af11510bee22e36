package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/providers/simulated"
	"github.com/openfroyo/govframe/pkg/topology"
)

func capabilities(calls []engine.Invocation) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Capability)
	}
	return out
}

func TestVendCreatesInvitesAndMoves(t *testing.T) {
	f := newFixture(t, simulated.WithOrganizationalUnits("workloads", "tenants"), simulated.WithPendingPolls(2))

	result, err := f.machine().Vend(context.Background(), VendRequest{
		Name:        "analytics",
		Email:       "analytics@example.com",
		Environment: "prod",
		OUPath:      "workloads/tenants",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		engine.CapabilityFindOrgUnit,
		engine.CapabilityCreateAccount,
		engine.CapabilityDescribeCreateAccount,
		engine.CapabilityDescribeCreateAccount,
		engine.CapabilityDescribeCreateAccount,
		engine.CapabilityInviteAccount,
		engine.CapabilityMoveAccount,
	}, capabilities(f.sim.Calls()))

	id, ok := f.sim.AccountID("analytics@example.com")
	require.True(t, ok)
	assert.Equal(t, id, result.Account.AccountID)
	assert.Equal(t, engine.AccountActive, result.Account.State)
	assert.Equal(t, "prod", result.Account.Environment)
	assert.Equal(t, "workloads/tenants", result.Account.OUPath)
	assert.Equal(t, simulated.RootID, result.RootID)
	assert.True(t, result.Moved)
	assert.True(t, f.sim.IsMember(id))
	assert.Equal(t, "tenants", f.sim.OrganizationalUnitOf(id))
}

func TestVendToRootSkipsMove(t *testing.T) {
	f := newFixture(t)

	result, err := f.machine().Vend(context.Background(), VendRequest{Name: "sandbox", Email: "sandbox@example.com"})
	require.NoError(t, err)

	assert.Equal(t, EnvironmentVended, result.Account.Environment)
	assert.Equal(t, simulated.RootID, result.OUID)
	assert.False(t, result.Moved)
	assert.Zero(t, f.sim.CallCount(engine.CapabilityMoveAccount))
	assert.Equal(t, engine.AccountActive, result.Account.State)
}

func TestVendUnknownOUCreatesNothing(t *testing.T) {
	f := newFixture(t, simulated.WithOrganizationalUnits("workloads"))

	_, err := f.machine().Vend(context.Background(), VendRequest{
		Name:   "analytics",
		Email:  "analytics@example.com",
		OUPath: "workloads/missing",
	})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
	assert.Zero(t, f.sim.CallCount(engine.CapabilityCreateAccount))
}

func TestVendRefusesExistingEmail(t *testing.T) {
	f := newFixture(t, simulated.WithExistingAccount("analytics@example.com", "200000000009"))

	result, err := f.machine().Vend(context.Background(), VendRequest{Name: "analytics", Email: "analytics@example.com"})
	require.Error(t, err)
	assert.True(t, engine.IsAlreadyExists(err))
	require.NotNil(t, result)
	assert.Equal(t, engine.AccountPending, result.Account.State)
	assert.Zero(t, f.sim.CallCount(engine.CapabilityInviteAccount))
}

func TestVendAlreadyMemberCountsAsInvited(t *testing.T) {
	f := newFixture(t, simulated.WithOrganizationalUnits("workloads"))
	f.sim.InjectFailure(engine.CapabilityInviteAccount,
		engine.NewAlreadyExistsError("account already part of organization", nil), 1)

	result, err := f.machine().Vend(context.Background(), VendRequest{
		Name:   "analytics",
		Email:  "analytics@example.com",
		OUPath: "workloads",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.AccountInvited, result.Account.State)
	assert.Equal(t, 1, f.sim.CallCount(engine.CapabilityMoveAccount))
}

func TestVendRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine().Vend(context.Background(), VendRequest{Name: "analytics", Email: "not-an-email"})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
	assert.Empty(t, f.sim.Calls())
}

func TestVendGovCloudRequestsGovCloudAccount(t *testing.T) {
	f := newFixture(t)
	f.topo.Partition = topology.PartitionGovCloud

	_, err := f.machine().Vend(context.Background(), VendRequest{Name: "analytics", Email: "analytics@example.com"})
	require.NoError(t, err)

	for _, c := range f.sim.Calls() {
		if c.Capability == engine.CapabilityCreateAccount {
			assert.Equal(t, "true", c.StringParam("govCloud"))
		}
	}
}
