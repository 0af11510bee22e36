// Package aws implements the capability provider on top of aws-sdk-go-v2.
//
// Every capability runs with clients for the task's account and region.
// The central account uses the base credentials; other accounts are reached
// by assuming the account access role. SDK errors are classified into the
// engine error taxonomy so the state machine and the plan runner can decide
// what to retry.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
)

// Name is the provider name.
const Name = "aws"

// Defaults applied by New.
const (
	DefaultAccountAccessRole = "CompliantFrameworkAccountAccessRole"
	DefaultSecurityHubRole   = "SecurityHubAccessRole"
	DefaultSessionName       = "CompliantFramework"
	DefaultPollInterval      = 30 * time.Second
)

// Config configures the AWS provider.
type Config struct {
	// Partition is the ARN partition of the organization.
	Partition string

	// Region is the home region of the base credentials.
	Region string

	// Profile selects a shared config profile.
	Profile string

	// CentralAccountID is the account that owns the organization and the
	// artifact bucket. Its tasks run with the base credentials.
	CentralAccountID string

	// AccountAccessRole is assumed in every other account.
	AccountAccessRole string

	// SecurityHubRole is assumed in member accounts to accept invitations.
	SecurityHubRole string

	// SessionName is the assumed role session name.
	SessionName string

	// SourceBucket holds the source repositories copied into the artifact bucket.
	SourceBucket string

	// ArtifactPrefix is the key prefix of output artifacts in the artifact bucket.
	ArtifactPrefix string

	// PollInterval spaces status polls of stacks and stack set operations.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Partition == "" {
		c.Partition = "aws"
	}
	if c.AccountAccessRole == "" {
		c.AccountAccessRole = DefaultAccountAccessRole
	}
	if c.SecurityHubRole == "" {
		c.SecurityHubRole = DefaultSecurityHubRole
	}
	if c.SessionName == "" {
		c.SessionName = DefaultSessionName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

type handler func(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error)

// Provider implements engine.CapabilityProvider against AWS.
type Provider struct {
	cfg      Config
	factory  ClientFactory
	logger   zerolog.Logger
	handlers map[string]handler
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger.With().Str("provider", Name).Logger()
	}
}

// WithClientFactory replaces the SDK client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Provider) {
		p.factory = f
	}
}

// New creates the provider. Unless a client factory is supplied, the base
// configuration is loaded from the default credential chain.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	cfg.applyDefaults()

	p := &Provider{
		cfg:    cfg,
		logger: zerolog.Nop(),
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
		engine.CapabilitySecurityHubInvite:      p.inviteSecurityHubMembers,
		engine.CapabilityCopySourceToS3:         p.copySource,
		engine.CapabilityUpdateArtifactACL:      p.updateArtifactACL,
		engine.CapabilityStartDeployment:        p.startDeployment,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.factory == nil {
		loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
		if cfg.Profile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
		}
		base, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to load AWS config", err)
		}
		p.factory = newSDKFactory(base, cfg.Partition, cfg.CentralAccountID, cfg.SessionName)
	}
	return p, nil
}

// Name implements engine.CapabilityProvider.
func (p *Provider) Name() string {
	return Name
}

// Invoke implements engine.CapabilityProvider.
func (p *Provider) Invoke(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	h, ok := p.handlers[inv.Capability]
	if !ok {
		return nil, engine.NewConfigurationError("unsupported capability "+inv.Capability, nil).
			WithCode(engine.ErrCodeUnsupported)
	}

	p.logger.Debug().
		Str("capability", inv.Capability).
		Str("task_id", inv.TaskID).
		Str("account", inv.Account).
		Str("region", inv.Region).
		Msg("Invoking capability")

	res, err := h(ctx, inv)
	if err != nil {
		return nil, wrapAWSError(err, fmt.Sprintf("%s failed", inv.Capability))
	}
	if res == nil {
		res = &engine.CapabilityResult{}
	}
	return res, nil
}

// clients returns the clients of the invocation target, assuming the account
// access role outside the central account.
func (p *Provider) clients(ctx context.Context, account, region string) (*Clients, error) {
	target := Target{Account: account, Region: region}
	if account != "" && account != p.cfg.CentralAccountID {
		target.Role = p.cfg.AccountAccessRole
	}
	if target.Region == "" {
		target.Region = p.cfg.Region
	}
	c, err := p.factory.Clients(ctx, target)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to create AWS clients", err).
			WithResource(account)
	}
	return c, nil
}

// centralClients returns clients for the central account in region.
func (p *Provider) centralClients(ctx context.Context, region string) (*Clients, error) {
	return p.clients(ctx, p.cfg.CentralAccountID, region)
}

var _ engine.CapabilityProvider = (*Provider)(nil)
