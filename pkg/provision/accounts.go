package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// ParameterPrefix roots every parameter the machine reads or writes.
const ParameterPrefix = "/compliant/framework"

// OUCoreAccounts is the top-level organizational unit of the core accounts.
const OUCoreAccounts = "core-accounts"

// Account names and environments of the core accounts.
const (
	AccountLogging            = "logging"
	AccountManagementServices = "management-services"
	AccountTransit            = "transit"

	EnvironmentCore = "core"
	EnvironmentProd = "prod"
)

// AccountSpec describes a core account created by the CreateAccounts state.
type AccountSpec struct {
	Name        string
	Environment string
	Email       string

	// KnownID is the account ID from the topology. It is used when the
	// account was created out of band or when creation reports an existing
	// account without its ID.
	KnownID string
}

// Key identifies the account in the ledger.
func (a AccountSpec) Key() string {
	return a.Environment + "/" + a.Name
}

// AccountName is the display name requested for the account.
func (a AccountSpec) AccountName() string {
	return a.Environment + "-" + a.Name
}

// AccountIDParameter is the parameter the new account ID is written to.
func AccountIDParameter(a AccountSpec, partition string) string {
	return fmt.Sprintf("%s/accounts/%s/%s/%s/id", ParameterPrefix, a.Environment, a.Name, partition)
}

// DefaultCredentialParameters are verified when the topology names none.
func DefaultCredentialParameters(partition string) []string {
	base := ParameterPrefix + "/central/" + partition
	return []string{base + "/id", base + "/access-key-id", base + "/secret-access-key"}
}

// CoreAccountSpecs returns the logging, management services and transit
// accounts of topo. The management services and transit IDs come from the
// production environment of the primary region when it is configured.
func CoreAccountSpecs(topo *topology.Topology) []AccountSpec {
	env := EnvironmentProd
	if !topo.HasEnvironment(env) && len(topo.Environments) > 0 {
		env = topo.Environments[0]
	}
	region := topo.Core.PrimaryRegion

	return []AccountSpec{
		{
			Name:        AccountLogging,
			Environment: EnvironmentCore,
			Email:       topo.Accounts.Logging,
			KnownID:     topo.Logging.AccountID,
		},
		{
			Name:        AccountManagementServices,
			Environment: EnvironmentProd,
			Email:       topo.Accounts.ManagementServices,
			KnownID:     topo.ManagementServicesAccount(region, env),
		},
		{
			Name:        AccountTransit,
			Environment: EnvironmentProd,
			Email:       topo.Accounts.Transit,
			KnownID:     topo.TransitAccount(region, env),
		},
	}
}

// ledger tracks the lifecycle of the core accounts during one run. States
// only move forward.
type ledger struct {
	mu       sync.Mutex
	order    []string
	accounts map[string]*engine.TrackedAccount
}

func newLedger(specs []AccountSpec) *ledger {
	l := &ledger{accounts: make(map[string]*engine.TrackedAccount, len(specs))}
	for _, s := range specs {
		l.order = append(l.order, s.Key())
		l.accounts[s.Key()] = &engine.TrackedAccount{
			Name:        s.Name,
			Email:       s.Email,
			Environment: s.Environment,
			OUPath:      OUCoreAccounts,
			State:       engine.AccountPending,
			UpdatedAt:   time.Now(),
		}
	}
	return l
}

func (l *ledger) get(key string) *engine.TrackedAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := *l.accounts[key]
	return &a
}

// advance moves an account to state, setting its ID when one is known. It
// returns the updated copy and whether anything changed.
func (l *ledger) advance(key string, state engine.AccountState, accountID string) (*engine.TrackedAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.accounts[key]
	changed := false
	if accountID != "" && a.AccountID != accountID {
		a.AccountID = accountID
		changed = true
	}
	if state.Rank() > a.State.Rank() {
		a.State = state
		changed = true
	}
	if changed {
		a.UpdatedAt = time.Now()
	}
	cp := *a
	return &cp, changed
}

func (l *ledger) snapshot() []*engine.TrackedAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*engine.TrackedAccount, 0, len(l.order))
	for _, key := range l.order {
		a := *l.accounts[key]
		out = append(out, &a)
	}
	return out
}

func (l *ledger) counts() map[engine.AccountState]int {
	counts := map[engine.AccountState]int{
		engine.AccountPending: 0,
		engine.AccountCreated: 0,
		engine.AccountInvited: 0,
		engine.AccountActive:  0,
	}
	for _, a := range l.snapshot() {
		counts[a.State]++
	}
	return counts
}

func (l *ledger) ids() map[string]string {
	ids := make(map[string]string)
	for _, a := range l.snapshot() {
		if a.AccountID != "" {
			ids[a.Environment+"-"+a.Name] = a.AccountID
		}
	}
	return ids
}

// credentialParameters returns the parameters VerifyCredentials checks.
func credentialParameters(topo *topology.Topology) []string {
	if len(topo.Central.SSMParameters) == 0 {
		return DefaultCredentialParameters(topo.Partition)
	}
	params := make([]string, 0, len(topo.Central.SSMParameters))
	for _, path := range topo.Central.SSMParameters {
		params = append(params, path)
	}
	sort.Strings(params)
	return params
}

// trackAccount persists and publishes an account change.
func (m *Machine) trackAccount(ctx context.Context, r *run, account *engine.TrackedAccount) {
	if m.store != nil {
		if err := m.store.UpsertAccount(ctx, account); err != nil {
			r.logger.Warn().Err(err).Str("account", account.Name).Msg("Failed to persist account")
		}
	}
	for state, n := range r.ledger.counts() {
		m.metrics.SetAccounts(state, n)
	}
	m.publish(r, engine.EventTypeAccountChanged, r.state, fmt.Sprintf("Account %s is %s", account.Name, account.State), map[string]interface{}{
		"account":    account.Name,
		"account_id": account.AccountID,
		"state":      string(account.State),
	})
	r.logger.Info().
		Str("account", account.Name).
		Str("environment", account.Environment).
		Str("account_id", account.AccountID).
		Str("state", string(account.State)).
		Msg("Account state changed")
}
