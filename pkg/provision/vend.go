package provision

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/telemetry"
	"github.com/openfroyo/govframe/pkg/topology"
)

// EnvironmentVended is the ledger environment of vended accounts that name none.
const EnvironmentVended = "vended"

var vendValidator = validator.New()

// VendRequest asks for one tenant account placed under an organizational
// unit. OUPath is a slash separated list of unit names below the root; an
// empty path leaves the account at the root.
type VendRequest struct {
	Name        string `validate:"required"`
	Email       string `validate:"required,email"`
	Environment string
	OUPath      string
}

// VendResult is the outcome of a vended account.
type VendResult struct {
	Account *engine.TrackedAccount

	// RootID and OUID are the organization root and the destination unit.
	RootID string
	OUID   string

	// Moved reports whether the account changed units.
	Moved bool
}

// Vend creates a single account outside of the provisioning run. The unit
// path is resolved first so a bad path fails before anything is created.
// The account is then created, invited into the organization (which in
// GovCloud is what makes it a member) and finally moved under the unit.
// An email that already has an account is refused.
func (m *Machine) Vend(ctx context.Context, req VendRequest) (*VendResult, error) {
	if err := vendValidator.Struct(req); err != nil {
		return nil, engine.NewConfigurationError("invalid vend request", err).WithOperation("vend")
	}
	if req.Environment == "" {
		req.Environment = EnvironmentVended
	}
	spec := AccountSpec{Name: req.Name, Environment: req.Environment, Email: req.Email}
	govCloud := m.topo.Partition == topology.PartitionGovCloud

	logger := telemetry.FromContextOr(ctx, m.logger).Zerolog().With().
		Str("account", spec.Name).
		Str("environment", spec.Environment).
		Str("ou_path", req.OUPath).
		Logger()

	ctx, span := m.tracer.StartStateSpan(ctx, "vend")
	result, err := m.vend(ctx, logger, spec, req.OUPath, govCloud)
	telemetry.EndSpan(span, err)
	if err != nil {
		m.metrics.RecordError(err)
		logger.Error().Err(err).Str("class", string(engine.ClassOf(err))).Msg("Account vending failed")
		return result, err
	}
	logger.Info().
		Str("account_id", result.Account.AccountID).
		Str("ou_id", result.OUID).
		Bool("moved", result.Moved).
		Str("state", string(result.Account.State)).
		Msg("Account vended")
	return result, nil
}

func (m *Machine) vend(ctx context.Context, logger zerolog.Logger, spec AccountSpec, ouPath string, govCloud bool) (*VendResult, error) {
	found, err := m.call(ctx, engine.CapabilityFindOrgUnit, map[string]interface{}{"ouPath": ouPath})
	if err != nil {
		return nil, err
	}
	result := &VendResult{
		RootID: found.Outputs["rootId"],
		OUID:   found.Outputs["ouId"],
		Account: &engine.TrackedAccount{
			Name:        spec.Name,
			Email:       spec.Email,
			Environment: spec.Environment,
			OUPath:      ouPath,
			State:       engine.AccountPending,
		},
	}

	params := map[string]interface{}{
		"email":       spec.Email,
		"accountName": spec.AccountName(),
	}
	if govCloud {
		params["govCloud"] = "true"
	}
	created, err := m.call(ctx, engine.CapabilityCreateAccount, params)
	if err != nil {
		var ee *engine.EngineError
		if engine.IsAlreadyExists(err) && errors.As(err, &ee) {
			return result, ee.WithOperation("vend").WithResource(spec.Email)
		}
		return result, err
	}

	id := accountID(created.Outputs, govCloud)
	if created.Outputs["state"] != createSucceeded {
		id, err = m.awaitAccount(ctx, logger, spec, created.Outputs["requestId"], govCloud)
		if err != nil {
			return result, err
		}
	}
	m.recordVended(ctx, logger, result.Account, engine.AccountCreated, id)

	invited, err := m.call(ctx, engine.CapabilityInviteAccount, map[string]interface{}{"accountId": id})
	switch {
	case engine.IsAlreadyExists(err):
		m.recordVended(ctx, logger, result.Account, engine.AccountInvited, "")
	case err != nil:
		return result, err
	case invited.Outputs["state"] == "ACCEPTED":
		m.recordVended(ctx, logger, result.Account, engine.AccountActive, "")
	default:
		m.recordVended(ctx, logger, result.Account, engine.AccountInvited, "")
	}

	if result.OUID == "" || result.OUID == result.RootID {
		logger.Debug().Msg("Destination is the root, no move needed")
		return result, nil
	}
	moved, err := m.call(ctx, engine.CapabilityMoveAccount, map[string]interface{}{
		"accountId":           id,
		"destinationParentId": result.OUID,
	})
	if err != nil {
		return result, err
	}
	result.Moved, _ = moved.Data["moved"].(bool)
	return result, nil
}

// recordVended advances a vended account and persists it with the other
// tracked accounts.
func (m *Machine) recordVended(ctx context.Context, logger zerolog.Logger, account *engine.TrackedAccount, state engine.AccountState, id string) {
	if id != "" {
		account.AccountID = id
	}
	if state.Rank() > account.State.Rank() {
		account.State = state
	}
	account.UpdatedAt = time.Now()

	if m.store != nil {
		if err := m.store.UpsertAccount(ctx, account); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist account")
		}
	}
	logger.Info().Str("account_id", account.AccountID).Str("state", string(account.State)).Msg("Account state changed")
}
