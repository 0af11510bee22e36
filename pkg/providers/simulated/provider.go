// Package simulated provides an in-memory capability provider.
//
// The simulated provider keeps an organization, its accounts, stacks and
// stack sets in memory and answers every capability the builder and the
// provisioning state machine use. Dry runs and tests use it in place of the
// AWS provider. Failures can be injected per capability.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
)

// Name is the provider name.
const Name = "simulated"

// RootID is the identifier of the organization root.
const RootID = "r-sim"

// Create account request states.
const (
	StateInProgress = "IN_PROGRESS"
	StateSucceeded  = "SUCCEEDED"
)

// stackOutputs lists the outputs generated for the stacks whose outputs are
// consumed by later stages.
var stackOutputs = map[string][]string{
	"logging-init": {"oConsolidatedLogsS3BucketCmkArn"},
	"transit-init": {
		"oTransitGatewayId",
		"oTransitGatewayDirectoryRouteTableId",
		"oTransitGatewayFirewallRouteTableId",
		"oTransitGatewayInspectionRouteTableId",
		"oTransitGatewayExternalAccessRouteTableId",
	},
	"management-services-init": {
		"oManagementServicesVpcTransitGatewayAttachmentId",
		"oDirectoryVpcTransitGatewayAttachmentId",
		"oExternalAccessVpcTransitGatewayAttachmentId",
	},
}

type handler func(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error)

type failure struct {
	err       error
	remaining int
}

type createRequest struct {
	email     string
	accountID string
	polls     int
}

// Stack is a deployed stack.
type Stack struct {
	Account string
	Region  string
	Name    string
	Status  string
	Outputs map[string]string
}

// Provider implements engine.CapabilityProvider in memory.
type Provider struct {
	mu     sync.Mutex
	logger zerolog.Logger

	handlers map[string]handler
	calls    []engine.Invocation
	failures map[string]*failure

	pendingPolls        int
	pendingSubscription int
	parameters          map[string]string

	organizationID string
	ous            map[string]string
	placement      map[string]string
	accounts       map[string]string
	requests       map[string]*createRequest
	members        map[string]bool
	stacks         map[string]*Stack
	stackSets      map[string][]string
	nextID         int
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger.With().Str("provider", Name).Logger()
	}
}

// WithPendingPolls makes every account creation report IN_PROGRESS for n
// status polls before it succeeds.
func WithPendingPolls(n int) Option {
	return func(p *Provider) {
		p.pendingPolls = n
	}
}

// WithPendingSubscription makes the first n subscription checks report a
// pending confirmation.
func WithPendingSubscription(n int) Option {
	return func(p *Provider) {
		p.pendingSubscription = n
	}
}

// WithParameters seeds the parameter store. Without it every parameter
// lookup succeeds with a generated value.
func WithParameters(params map[string]string) Option {
	return func(p *Provider) {
		p.parameters = make(map[string]string, len(params))
		for k, v := range params {
			p.parameters[k] = v
		}
	}
}

// WithExistingAccount registers an account created out of band.
func WithExistingAccount(email, accountID string) Option {
	return func(p *Provider) {
		p.accounts[email] = accountID
	}
}

// WithMember registers an account that already belongs to the organization.
func WithMember(accountID string) Option {
	return func(p *Provider) {
		p.members[accountID] = true
	}
}

// WithOrganizationalUnits registers units that already exist. Units are
// keyed by name, so a path resolves when each of its names is known.
func WithOrganizationalUnits(names ...string) Option {
	return func(p *Provider) {
		for _, name := range names {
			p.ensureOU(name)
		}
	}
}

// New creates a simulated provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		logger:    zerolog.Nop(),
		failures:  make(map[string]*failure),
		ous:       make(map[string]string),
		placement: make(map[string]string),
		accounts:  make(map[string]string),
		requests:  make(map[string]*createRequest),
		members:   make(map[string]bool),
		stacks:    make(map[string]*Stack),
		stackSets: make(map[string][]string),
	}
	p.handlers = map[string]handler{
		engine.CapabilityVerifySubscription:     p.verifySubscription,
		engine.CapabilityVerifyCredentials:      p.verifyCredentials,
		engine.CapabilityInitializeOrganization: p.initializeOrganization,
		engine.CapabilityInitializeOrgUnits:     p.initializeOrgUnits,
		engine.CapabilityCreateAccount:          p.createAccount,
		engine.CapabilityDescribeCreateAccount:  p.describeCreateAccount,
		engine.CapabilityInviteAccount:          p.inviteAccount,
		engine.CapabilityFindOrgUnit:            p.findOrgUnit,
		engine.CapabilityMoveAccount:            p.moveAccountTo,
		engine.CapabilityGetSSMParameters:       p.getParameters,
		engine.CapabilityDeployStack:            p.deployStack,
		engine.CapabilityCreateUpdateStack:      p.deployStack,
		engine.CapabilityStackSet:               p.stackSet,
		engine.CapabilityStartDeployment:        p.startDeployment,
		engine.CapabilityCopySourceToS3:         p.acknowledge,
		engine.CapabilitySecurityHubInvite:      p.acknowledge,
		engine.CapabilityUpdateArtifactACL:      p.acknowledge,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements engine.CapabilityProvider.
func (p *Provider) Name() string {
	return Name
}

// InjectFailure makes the next times invocations of capability fail with
// err. A non-positive times fails every invocation.
func (p *Provider) InjectFailure(capability string, err error, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[capability] = &failure{err: err, remaining: times}
}

// Invoke implements engine.CapabilityProvider.
func (p *Provider) Invoke(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, inv)
	p.logger.Debug().
		Str("capability", inv.Capability).
		Str("task_id", inv.TaskID).
		Str("account", inv.Account).
		Str("region", inv.Region).
		Msg("Invoking capability")

	if f, ok := p.failures[inv.Capability]; ok {
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				delete(p.failures, inv.Capability)
			}
		}
		return nil, f.err
	}

	h, ok := p.handlers[inv.Capability]
	if !ok {
		return nil, engine.NewConfigurationError("unsupported capability "+inv.Capability, nil).
			WithCode(engine.ErrCodeUnsupported)
	}
	return h(ctx, inv)
}

// Calls returns a copy of every invocation received so far.
func (p *Provider) Calls() []engine.Invocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]engine.Invocation, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times capability was invoked.
func (p *Provider) CallCount(capability string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Capability == capability {
			n++
		}
	}
	return n
}

// OrganizationalUnits returns the names of the organizational units.
func (p *Provider) OrganizationalUnits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.ous))
	for name := range p.ous {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AccountID returns the account created for email.
func (p *Provider) AccountID(email string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.accounts[email]
	return id, ok
}

// IsMember reports whether an account belongs to the organization.
func (p *Provider) IsMember(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[accountID]
}

// OrganizationalUnitOf returns the organizational unit an account was placed in.
func (p *Provider) OrganizationalUnitOf(accountID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placement[accountID]
}

// Stack returns a deployed stack.
func (p *Provider) Stack(account, region, name string) (*Stack, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stacks[stackKey(account, region, name)]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// StackSetRegions returns the regions a stack set was deployed to.
func (p *Provider) StackSetRegions(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stackSets[name]...)
}

func (p *Provider) id(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s-%04d", prefix, p.nextID)
}

func (p *Provider) verifySubscription(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	if p.pendingSubscription > 0 {
		p.pendingSubscription--
		return nil, engine.NewTransientDependencyError("subscription pending confirmation", nil).
			WithResource(inv.StringParam("topicArn"))
	}
	return &engine.CapabilityResult{Data: map[string]interface{}{"status": "Confirmed"}}, nil
}

func (p *Provider) verifyCredentials(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	if p.parameters == nil {
		return &engine.CapabilityResult{}, nil
	}
	for _, name := range inv.StringSliceParam("parameters") {
		value, ok := p.parameters[name]
		if !ok || strings.TrimSpace(value) == "" {
			return nil, engine.NewConfigurationError("required parameter missing or empty", nil).
				WithResource(name).
				WithCode(engine.ErrCodeNotFound)
		}
	}
	return &engine.CapabilityResult{}, nil
}

func (p *Provider) ensureOrganization() (string, bool) {
	if p.organizationID != "" {
		return p.organizationID, false
	}
	p.organizationID = p.id("o-sim")
	return p.organizationID, true
}

func (p *Provider) ensureOU(name string) (string, bool) {
	if id, ok := p.ous[name]; ok {
		return id, false
	}
	id := p.id("ou-sim")
	p.ous[name] = id
	return id, true
}

func (p *Provider) initializeOrganization(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	orgID, createdOrg := p.ensureOrganization()

	var created []string
	for _, name := range inv.StringSliceParam("ouNames") {
		if _, isNew := p.ensureOU(name); isNew {
			created = append(created, name)
		}
	}
	p.logger.Info().Str("organization_id", orgID).Bool("created", createdOrg).
		Strs("created_ous", created).Msg("Organization initialized")

	return &engine.CapabilityResult{
		Outputs: map[string]string{"organizationId": orgID},
		Data: map[string]interface{}{
			"organizationCreated": createdOrg,
			"createdUnits":        created,
		},
	}, nil
}

func (p *Provider) initializeOrgUnits(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	name := inv.StringParam("ouName")
	if name == "" {
		return nil, engine.NewConfigurationError("ouName is required", nil)
	}
	p.ensureOrganization()
	ouID, _ := p.ensureOU(name)

	for _, param := range []string{"coreAccounts", "tenantAccounts"} {
		for _, account := range inv.StringSliceParam(param) {
			p.placement[account] = name
		}
	}
	return &engine.CapabilityResult{Outputs: map[string]string{"ouId": ouID}}, nil
}

func (p *Provider) createAccount(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	email := inv.StringParam("email")
	if email == "" {
		return nil, engine.NewConfigurationError("email is required", nil)
	}
	if id, ok := p.accounts[email]; ok {
		return nil, engine.NewAlreadyExistsError("account already exists", nil).
			WithResource(email).
			WithDetail("accountId", id)
	}

	requestID := p.id("car-sim")
	accountID := fmt.Sprintf("10000000%04d", p.nextID)
	p.accounts[email] = accountID
	p.requests[requestID] = &createRequest{email: email, accountID: accountID, polls: p.pendingPolls}

	return &engine.CapabilityResult{
		Outputs: map[string]string{"requestId": requestID, "state": StateInProgress},
	}, nil
}

func (p *Provider) describeCreateAccount(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	requestID := inv.StringParam("requestId")
	req, ok := p.requests[requestID]
	if !ok {
		return nil, engine.NewExecutionError("unknown create account request", nil).
			WithResource(requestID).
			WithCode(engine.ErrCodeNotFound)
	}
	if req.polls > 0 {
		req.polls--
		return &engine.CapabilityResult{Outputs: map[string]string{"state": StateInProgress}}, nil
	}
	return &engine.CapabilityResult{
		Outputs: map[string]string{"state": StateSucceeded, "accountId": req.accountID},
	}, nil
}

func (p *Provider) inviteAccount(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	accountID := inv.StringParam("accountId")
	if accountID == "" {
		return nil, engine.NewConfigurationError("accountId is required", nil)
	}
	if p.members[accountID] {
		return nil, engine.NewAlreadyExistsError("account already part of organization", nil).
			WithResource(accountID)
	}
	p.members[accountID] = true
	return &engine.CapabilityResult{
		Outputs: map[string]string{"handshakeId": p.id("h-sim"), "state": "ACCEPTED"},
	}, nil
}

func (p *Provider) findOrgUnit(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	path := inv.StringParam("ouPath")
	ou := RootID
	for _, name := range engine.SplitOUPath(path) {
		id, ok := p.ous[name]
		if !ok {
			return nil, engine.NewConfigurationError("organizational unit path does not exist", nil).
				WithResource(path).
				WithCode(engine.ErrCodeNotFound).
				WithDetail("missing", name)
		}
		ou = id
	}
	return &engine.CapabilityResult{
		Outputs: map[string]string{"rootId": RootID, "ouId": ou},
	}, nil
}

func (p *Provider) moveAccountTo(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	accountID := inv.StringParam("accountId")
	dest := inv.StringParam("destinationParentId")
	if accountID == "" || dest == "" {
		return nil, engine.NewConfigurationError("accountId and destinationParentId are required", nil)
	}

	unit := ""
	if dest != RootID {
		for name, id := range p.ous {
			if id == dest {
				unit = name
			}
		}
		if unit == "" {
			return nil, engine.NewExecutionError("unknown organizational unit", nil).
				WithResource(dest).
				WithCode(engine.ErrCodeNotFound)
		}
	}

	moved := p.members[accountID] && p.placement[accountID] != unit
	if moved {
		p.placement[accountID] = unit
	}
	return &engine.CapabilityResult{
		Outputs: map[string]string{"destinationParentId": dest},
		Data:    map[string]interface{}{"moved": moved},
	}, nil
}

func (p *Provider) getParameters(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	outputs := make(map[string]string)
	for _, item := range inv.MapSliceParam("Items") {
		name, variable := item["Name"], item["OutputVariable"]
		if name == "" || variable == "" {
			return nil, engine.NewConfigurationError("parameter item needs Name and OutputVariable", nil)
		}

		value, ok := p.parameters[name]
		if !ok {
			if p.parameters != nil {
				return nil, engine.NewExecutionError("parameter not found", nil).
					WithResource(name).
					WithCode(engine.ErrCodeNotFound)
			}
			value = "sim" + strings.ReplaceAll(name, "/", "-")
		}
		outputs[variable] = value
	}
	return &engine.CapabilityResult{Outputs: outputs}, nil
}

func (p *Provider) deployStack(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	if inv.Deploy == nil || inv.Deploy.StackName == "" {
		return nil, engine.NewConfigurationError("deploy invocation without stack", nil).
			WithResource(inv.TaskID)
	}
	name := inv.Deploy.StackName

	key := stackKey(inv.Account, inv.Region, name)
	if s, ok := p.stacks[key]; ok {
		s.Status = "UPDATE_COMPLETE"
		return &engine.CapabilityResult{Outputs: copyMap(s.Outputs)}, nil
	}

	outputs := make(map[string]string)
	for _, variable := range generatedOutputs(name) {
		outputs[variable] = fmt.Sprintf("sim-%s-%s-%s", name, inv.Region, variable)
	}
	p.stacks[key] = &Stack{
		Account: inv.Account,
		Region:  inv.Region,
		Name:    name,
		Status:  "CREATE_COMPLETE",
		Outputs: outputs,
	}
	return &engine.CapabilityResult{Outputs: copyMap(outputs)}, nil
}

func (p *Provider) stackSet(_ context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	name := inv.StringParam("stackSetName")
	if name == "" {
		return nil, engine.NewConfigurationError("stackSetName is required", nil)
	}
	region := inv.StringParam("region")
	for _, r := range p.stackSets[name] {
		if r == region {
			return &engine.CapabilityResult{Outputs: map[string]string{"status": "CURRENT"}}, nil
		}
	}
	p.stackSets[name] = append(p.stackSets[name], region)
	return &engine.CapabilityResult{
		Outputs: map[string]string{"operationId": p.id("op-sim"), "status": "SUCCEEDED"},
	}, nil
}

func (p *Provider) startDeployment(_ context.Context, _ engine.Invocation) (*engine.CapabilityResult, error) {
	return &engine.CapabilityResult{Outputs: map[string]string{"deploymentId": p.id("dep-sim")}}, nil
}

func (p *Provider) acknowledge(_ context.Context, _ engine.Invocation) (*engine.CapabilityResult, error) {
	return &engine.CapabilityResult{}, nil
}

func generatedOutputs(stack string) []string {
	if vars, ok := stackOutputs[stack]; ok {
		return vars
	}
	if strings.HasPrefix(stack, "plugin-") && !strings.HasSuffix(stack, "-tgw-attachment") {
		return []string{"oTransitGatewayAttachmentId"}
	}
	return nil
}

func stackKey(account, region, name string) string {
	return account + "/" + region + "/" + name
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ engine.CapabilityProvider = (*Provider)(nil)
