package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/govframe/pkg/config"
	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/executor"
	"github.com/openfroyo/govframe/pkg/providers/simulated"
	"github.com/openfroyo/govframe/pkg/topology"
)

const testTopic = "arn:aws:sns:us-east-1:111111111111:framework-notifications"

type recordingSink struct {
	mu    sync.Mutex
	sent  []engine.Notification
	fails map[engine.NotificationKind]error
}

func (s *recordingSink) Notify(_ context.Context, n engine.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.fails[n.Kind]
}

func (s *recordingSink) notifications() []engine.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Notification(nil), s.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []engine.Event
}

func (p *recordingPublisher) Publish(e engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t engine.EventType) []engine.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []engine.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type stubDeployer struct {
	calls int
	runID string
	err   error
}

func (d *stubDeployer) Deploy(_ context.Context, runID string) (map[string]interface{}, error) {
	d.calls++
	d.runID = runID
	if d.err != nil {
		return nil, d.err
	}
	return map[string]interface{}{"pipelines": []string{"core-pipeline"}}, nil
}

func loadTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Load("../topology/testdata/topology.yaml")
	require.NoError(t, err)
	return topo
}

type fixture struct {
	topo     *topology.Topology
	sim      *simulated.Provider
	sink     *recordingSink
	deployer *stubDeployer
	events   *recordingPublisher
}

func newFixture(t *testing.T, opts ...simulated.Option) *fixture {
	t.Helper()
	return &fixture{
		topo:     loadTopology(t),
		sim:      simulated.New(opts...),
		sink:     &recordingSink{},
		deployer: &stubDeployer{},
		events:   &recordingPublisher{},
	}
}

func (f *fixture) machine(opts ...Option) *Machine {
	base := []Option{
		WithRetry(config.RetrySettings{MaxAttempts: 5, Interval: time.Millisecond}),
		WithAccountPoll(config.RetrySettings{MaxAttempts: 10, Interval: time.Millisecond}),
		WithTopicARN(testTopic),
		WithEventPublisher(f.events),
	}
	return New(f.topo, executor.New(f.sim, nil), f.sink, f.deployer, append(base, opts...)...)
}

func targets(transitions []engine.StateTransition) []string {
	out := make([]string, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, t.To)
	}
	return out
}

func terminalCount(transitions []engine.StateTransition) int {
	n := 0
	for _, t := range transitions {
		if State(t.To).IsTerminal() {
			n++
		}
	}
	return n
}

func TestRunSucceeds(t *testing.T) {
	f := newFixture(t)

	result, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Succeeded())
	assert.Equal(t, StateNotifySuccess, result.State)
	assert.Empty(t, result.FailedState)
	assert.Equal(t, []string{
		"VerifyNotificationSubscription",
		"VerifyCredentials",
		"InitializeOrganization",
		"CreateAccounts",
		"InviteAccounts",
		"DeployFramework",
		"NotifySuccess",
	}, targets(result.Transitions))
	assert.Equal(t, "Start", result.Transitions[0].From)
	assert.Equal(t, 1, terminalCount(result.Transitions))
	assert.NotEmpty(t, result.OrganizationID)

	require.Len(t, result.Accounts, 3)
	for _, a := range result.Accounts {
		assert.Equal(t, engine.AccountActive, a.State, a.Name)
		assert.NotEmpty(t, a.AccountID, a.Name)
		assert.True(t, f.sim.IsMember(a.AccountID), a.Name)
	}

	assert.Equal(t, []string{OUCoreAccounts}, f.sim.OrganizationalUnits())
	assert.Equal(t, 1, f.deployer.calls)
	assert.Equal(t, result.RunID, f.deployer.runID)

	sent := f.sink.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, engine.NotificationSuccess, sent[0].Kind)
	assert.Equal(t, result.RunID, sent[0].RunID)
	assert.Equal(t, result.OrganizationID, sent[0].Data["organization_id"])
	assert.Equal(t, []string{"core-pipeline"}, sent[0].Data["pipelines"])
	assert.Len(t, sent[0].Data["accounts"], 3)

	assert.Len(t, f.events.ofType(engine.EventTypeRunStarted), 1)
	assert.Len(t, f.events.ofType(engine.EventTypeRunCompleted), 1)
	assert.Len(t, f.events.ofType(engine.EventTypeStateEntered), 7)
	assert.NotEmpty(t, f.events.ofType(engine.EventTypeAccountChanged))
}

func TestRunPassesPartitionParameters(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine().Run(context.Background())
	require.NoError(t, err)

	for _, inv := range f.sim.Calls() {
		assert.Equal(t, "111111111111", inv.Account, inv.Capability)
		assert.Equal(t, "us-east-1", inv.Region, inv.Capability)

		switch inv.Capability {
		case engine.CapabilityVerifyCredentials:
			assert.Equal(t, DefaultCredentialParameters("aws"), inv.StringSliceParam("parameters"))
		case engine.CapabilityCreateAccount:
			assert.Empty(t, inv.StringParam("govCloud"))
		case engine.CapabilityDescribeCreateAccount:
			assert.Contains(t, inv.StringParam("accountIdParameter"), "/compliant/framework/accounts/")
		}
	}
}

func TestRunWithoutTopicSkipsSubscriptionCheck(t *testing.T) {
	f := newFixture(t)

	result, err := f.machine(WithTopicARN("")).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Zero(t, f.sim.CallCount(engine.CapabilityVerifySubscription))
}

func TestSubscriptionRetriedUntilConfirmed(t *testing.T) {
	f := newFixture(t, simulated.WithPendingSubscription(2))

	result, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 3, f.sim.CallCount(engine.CapabilityVerifySubscription))
	assert.Len(t, f.events.ofType(engine.EventTypeStateRetried), 2)
}

func TestSubscriptionExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.sim.InjectFailure(engine.CapabilityVerifySubscription,
		engine.NewTransientDependencyError("subscription pending confirmation", nil), 0)

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	assert.Equal(t, 5, f.sim.CallCount(engine.CapabilityVerifySubscription))
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateVerifyNotificationSubscription, result.FailedState)
	assert.Equal(t, []string{"VerifyNotificationSubscription", "NotifyFailure", "Failed"}, targets(result.Transitions))
	assert.Equal(t, 5, result.Transitions[1].Attempts)
	assert.NotEmpty(t, result.Transitions[1].Error)
	assert.Equal(t, 1, terminalCount(result.Transitions))

	sent := f.sink.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, engine.NotificationFailure, sent[0].Kind)
	assert.Equal(t, string(StateVerifyNotificationSubscription), sent[0].State)
	assert.Equal(t, engine.ErrorClassTransient, sent[0].ErrorClass)
	assert.Contains(t, sent[0].Cause, "subscription pending confirmation")

	assert.Zero(t, f.sim.CallCount(engine.CapabilityVerifyCredentials))
	assert.Zero(t, f.deployer.calls)
	assert.Len(t, f.events.ofType(engine.EventTypeRunFailed), 1)
}

func TestMissingCredentialsFailWithoutRetry(t *testing.T) {
	f := newFixture(t, simulated.WithParameters(map[string]string{
		"/compliant/framework/central/aws/id": "111111111111",
	}))

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
	assert.Equal(t, 1, f.sim.CallCount(engine.CapabilityVerifyCredentials))
	assert.Equal(t, StateVerifyCredentials, result.FailedState)
	assert.Equal(t, StateFailed, result.State)
	assert.Zero(t, f.sim.CallCount(engine.CapabilityInitializeOrganization))
}

func TestCredentialErrorsAreConfigurationErrors(t *testing.T) {
	f := newFixture(t)
	f.sim.InjectFailure(engine.CapabilityVerifyCredentials,
		engine.NewTransientDependencyError("throttled", nil), 0)

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
	assert.Equal(t, 1, f.sim.CallCount(engine.CapabilityVerifyCredentials))

	sent := f.sink.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, engine.ErrorClassConfiguration, sent[0].ErrorClass)
	assert.Equal(t, StateVerifyCredentials, result.FailedState)
}

func TestNonRetryingStateFailsOnFirstTransientError(t *testing.T) {
	f := newFixture(t)
	f.sim.InjectFailure(engine.CapabilityInitializeOrganization,
		engine.NewTransientDependencyError("organizations unavailable", nil), 1)

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.sim.CallCount(engine.CapabilityInitializeOrganization))
	assert.Equal(t, StateInitializeOrganization, result.FailedState)
	assert.Empty(t, f.events.ofType(engine.EventTypeStateRetried))
}

func TestExistingAccountsAreReused(t *testing.T) {
	f := newFixture(t,
		simulated.WithExistingAccount("logging@example.com", "999999999999"),
		simulated.WithMember("999999999999"),
	)

	result, err := f.machine().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, f.sim.CallCount(engine.CapabilityCreateAccount))
	assert.Equal(t, 2, f.sim.CallCount(engine.CapabilityDescribeCreateAccount))

	logging := result.Accounts[0]
	assert.Equal(t, AccountLogging, logging.Name)
	assert.Equal(t, "999999999999", logging.AccountID)
	assert.Equal(t, engine.AccountInvited, logging.State)

	for _, a := range result.Accounts[1:] {
		assert.Equal(t, engine.AccountActive, a.State, a.Name)
	}
}

func TestRunIsIdempotentAgainstSameOrganization(t *testing.T) {
	f := newFixture(t)

	first, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	second, err := f.machine().Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.OrganizationID, second.OrganizationID)
	for i := range first.Accounts {
		assert.Equal(t, first.Accounts[i].AccountID, second.Accounts[i].AccountID)
		assert.Equal(t, engine.AccountInvited, second.Accounts[i].State)
	}
	assert.Equal(t, []string{OUCoreAccounts}, f.sim.OrganizationalUnits())
}

func TestAccountCreationIsPolled(t *testing.T) {
	f := newFixture(t, simulated.WithPendingPolls(3))

	result, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 3*4, f.sim.CallCount(engine.CapabilityDescribeCreateAccount))
}

func TestAccountCreationTimesOut(t *testing.T) {
	f := newFixture(t, simulated.WithPendingPolls(50))

	result, err := f.machine(
		WithAccountPoll(config.RetrySettings{MaxAttempts: 3, Interval: time.Millisecond}),
	).Run(context.Background())
	require.Error(t, err)

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeTimeout, ee.Code)
	assert.Equal(t, 3, f.sim.CallCount(engine.CapabilityDescribeCreateAccount))
	assert.Equal(t, StateCreateAccounts, result.FailedState)
	assert.Equal(t, engine.AccountPending, result.Accounts[0].State)
}

func TestAccountWithoutEmailUsesKnownID(t *testing.T) {
	f := newFixture(t)
	f.topo.Accounts.Logging = ""

	result, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.sim.CallCount(engine.CapabilityCreateAccount))
	assert.Equal(t, "222222222222", result.Accounts[0].AccountID)
	assert.Equal(t, engine.AccountActive, result.Accounts[0].State)
}

func TestInvitationsRetryTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.sim.InjectFailure(engine.CapabilityInviteAccount,
		engine.NewTransientDependencyError("handshake constraint", nil), 2)

	result, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 5, f.sim.CallCount(engine.CapabilityInviteAccount))

	var invites []engine.StateTransition
	for _, tr := range result.Transitions {
		if tr.From == string(StateInviteAccounts) {
			invites = append(invites, tr)
		}
	}
	require.Len(t, invites, 1)
	assert.Equal(t, 3, invites[0].Attempts)
}

func TestDeployFailureRoutesToFailed(t *testing.T) {
	f := newFixture(t)
	f.deployer.err = engine.NewExecutionError("stack transit-init failed", nil)

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDeployFramework, result.FailedState)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 1, terminalCount(result.Transitions))

	sent := f.sink.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, engine.NotificationFailure, sent[0].Kind)
	assert.Equal(t, engine.ErrorClassExecution, sent[0].ErrorClass)
}

func TestUndeliveredSuccessNotificationFailsRun(t *testing.T) {
	f := newFixture(t)
	f.sink.fails = map[engine.NotificationKind]error{
		engine.NotificationSuccess: errors.New("topic deleted"),
	}

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateNotifySuccess, result.FailedState)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 1, terminalCount(result.Transitions))
	assert.NotContains(t, targets(result.Transitions), "NotifySuccess")

	n := len(result.Transitions)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, "DeployFramework", result.Transitions[n-2].From)
	assert.Equal(t, "NotifyFailure", result.Transitions[n-2].To)
	assert.Equal(t, "Failed", result.Transitions[n-1].To)

	sent := f.sink.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, engine.NotificationFailure, sent[1].Kind)
	assert.Equal(t, string(StateNotifySuccess), sent[1].State)
}

func TestUndeliveredFailureNotificationStillEndsInFailed(t *testing.T) {
	f := newFixture(t)
	f.deployer.err = errors.New("boom")
	f.sink.fails = map[engine.NotificationKind]error{
		engine.NotificationFailure: errors.New("topic deleted"),
	}

	result, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, result.State)
	last := result.Transitions[len(result.Transitions)-1]
	assert.Equal(t, "Failed", last.To)
	assert.Equal(t, "topic deleted", last.Error)
}

func TestCancelledRunEndsInFailed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.machine().Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateVerifyNotificationSubscription, result.FailedState)
	assert.Len(t, f.sink.notifications(), 1)
}

func TestCoreAccountSpecs(t *testing.T) {
	topo := loadTopology(t)

	specs := CoreAccountSpecs(topo)
	require.Len(t, specs, 3)

	assert.Equal(t, "core/logging", specs[0].Key())
	assert.Equal(t, "core-logging", specs[0].AccountName())
	assert.Equal(t, "222222222222", specs[0].KnownID)

	assert.Equal(t, "prod-management-services", specs[1].AccountName())
	assert.Equal(t, "444444444445", specs[1].KnownID)

	assert.Equal(t, "prod-transit", specs[2].AccountName())
	assert.Equal(t, "333333333334", specs[2].KnownID)

	assert.Equal(t, "/compliant/framework/accounts/prod/transit/aws-us-gov/id",
		AccountIDParameter(specs[2], topology.PartitionGovCloud))
}

func TestCredentialParametersFromTopology(t *testing.T) {
	topo := loadTopology(t)
	topo.Central.SSMParameters = map[string]string{
		"secret": "/central/secret",
		"id":     "/central/id",
	}
	assert.Equal(t, []string{"/central/id", "/central/secret"}, credentialParameters(topo))
}

func TestLedgerOnlyMovesForward(t *testing.T) {
	l := newLedger([]AccountSpec{{Name: "transit", Environment: "prod"}})

	a, changed := l.advance("prod/transit", engine.AccountInvited, "333333333334")
	assert.True(t, changed)
	assert.Equal(t, engine.AccountInvited, a.State)

	a, changed = l.advance("prod/transit", engine.AccountCreated, "")
	assert.False(t, changed)
	assert.Equal(t, engine.AccountInvited, a.State)
	assert.Equal(t, "333333333334", a.AccountID)

	assert.Equal(t, map[string]string{"prod-transit": "333333333334"}, l.ids())
	assert.Equal(t, 1, l.counts()[engine.AccountInvited])
}
