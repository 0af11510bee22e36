package provision

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// createSucceeded is the create request state of a completed account.
const createSucceeded = "SUCCEEDED"

// call invokes a capability in the central account of the primary region.
func (m *Machine) call(ctx context.Context, capability string, params map[string]interface{}) (*engine.CapabilityResult, error) {
	return m.caller.Call(ctx, engine.Invocation{
		Capability: capability,
		Kind:       engine.TaskInvokeCapability,
		TaskID:     "provision/" + capability,
		Account:    m.topo.Central.AccountID,
		Region:     m.topo.Core.PrimaryRegion,
		Parameters: params,
	})
}

func (m *Machine) verifySubscription(ctx context.Context, r *run) error {
	if m.topicARN == "" {
		r.logger.Info().Msg("No notification topic configured, skipping subscription check")
		return nil
	}
	_, err := m.call(ctx, engine.CapabilityVerifySubscription, map[string]interface{}{
		"topicArn": m.topicARN,
	})
	return err
}

// verifyCredentials checks the stored credentials. Every failure here is a
// configuration problem.
func (m *Machine) verifyCredentials(ctx context.Context, r *run) error {
	_, err := m.call(ctx, engine.CapabilityVerifyCredentials, map[string]interface{}{
		"parameters": credentialParameters(m.topo),
	})
	if err == nil || engine.IsConfiguration(err) {
		return err
	}
	return engine.NewConfigurationError("credential verification failed", err).
		WithOperation(engine.CapabilityVerifyCredentials)
}

func (m *Machine) initializeOrganization(ctx context.Context, r *run) error {
	res, err := m.call(ctx, engine.CapabilityInitializeOrganization, map[string]interface{}{
		"ouNames":                 []string{OUCoreAccounts},
		"organizationIdParameter": ParameterPrefix + "/organization/id",
	})
	if err != nil {
		return err
	}
	r.orgID = res.Outputs["organizationId"]
	r.logger.Info().
		Str("organization_id", r.orgID).
		Interface("created_units", res.Data["createdUnits"]).
		Msg("Organization initialized")
	return nil
}

// createAccounts requests every core account and waits for each creation to
// complete. An account that already exists counts as created.
func (m *Machine) createAccounts(ctx context.Context, r *run) error {
	govCloud := m.topo.Partition == topology.PartitionGovCloud

	for _, spec := range m.accounts {
		if r.ledger.get(spec.Key()).State.Rank() >= engine.AccountCreated.Rank() {
			continue
		}

		if spec.Email == "" {
			if spec.KnownID == "" {
				r.logger.Warn().Str("account", spec.Name).Msg("Account has no email and no known ID, skipping")
				continue
			}
			m.advance(ctx, r, spec, engine.AccountCreated, spec.KnownID)
			continue
		}

		params := map[string]interface{}{
			"email":       spec.Email,
			"accountName": spec.AccountName(),
		}
		if govCloud {
			params["govCloud"] = "true"
		}

		res, err := m.call(ctx, engine.CapabilityCreateAccount, params)
		var ee *engine.EngineError
		switch {
		case engine.IsAlreadyExists(err) && errors.As(err, &ee):
			id, _ := ee.Details["accountId"].(string)
			if id == "" {
				id = spec.KnownID
			}
			r.logger.Info().Str("account", spec.Name).Str("account_id", id).Msg("Account already exists")
			m.advance(ctx, r, spec, engine.AccountCreated, id)
			continue
		case err != nil:
			return err
		}

		id := accountID(res.Outputs, govCloud)
		if res.Outputs["state"] != createSucceeded {
			id, err = m.awaitAccount(ctx, r.logger, spec, res.Outputs["requestId"], govCloud)
			if engine.IsAlreadyExists(err) {
				id, err = spec.KnownID, nil
			}
			if err != nil {
				return err
			}
		}
		m.advance(ctx, r, spec, engine.AccountCreated, id)
	}
	return nil
}

// awaitAccount polls a create request until it succeeds or the poll budget
// runs out.
func (m *Machine) awaitAccount(ctx context.Context, logger zerolog.Logger, spec AccountSpec, requestID string, govCloud bool) (string, error) {
	if requestID == "" {
		return "", engine.NewExecutionError("account creation returned no request ID", nil).
			WithResource(spec.Email)
	}

	params := map[string]interface{}{
		"requestId":          requestID,
		"accountIdParameter": AccountIDParameter(spec, m.topo.Partition),
	}

	polls := 0
	id, err := backoff.Retry(ctx, func() (string, error) {
		polls++
		res, err := m.call(ctx, engine.CapabilityDescribeCreateAccount, params)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if state := res.Outputs["state"]; state != createSucceeded {
			return "", engine.NewTransientDependencyError("account creation "+state, nil).
				WithResource(requestID).
				WithCode(engine.ErrCodeNotReady)
		}
		return accountID(res.Outputs, govCloud), nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.poll.Interval)),
		backoff.WithMaxTries(uint(max(m.poll.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, next time.Duration) {
			logger.Debug().Str("account", spec.Name).Int("poll", polls).Dur("next", next).Msg("Account creation in progress")
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if engine.IsTransient(err) {
		return "", engine.NewExecutionError("account creation did not complete", err).
			WithResource(spec.Email).
			WithCode(engine.ErrCodeTimeout).
			WithDetail("polls", polls)
	}
	return id, err
}

func accountID(outputs map[string]string, govCloud bool) string {
	if govCloud && outputs["govCloudAccountId"] != "" {
		return outputs["govCloudAccountId"]
	}
	return outputs["accountId"]
}

// inviteAccounts invites every created account. Accounts already in the
// organization count as invited; an accepted handshake makes them active.
// Accounts handled on an earlier attempt are skipped.
func (m *Machine) inviteAccounts(ctx context.Context, r *run) error {
	for _, spec := range m.accounts {
		account := r.ledger.get(spec.Key())
		if account.State != engine.AccountCreated {
			continue
		}
		if account.AccountID == "" {
			return engine.NewConfigurationError("account ID unknown, cannot invite", nil).
				WithResource(spec.Key())
		}

		res, err := m.call(ctx, engine.CapabilityInviteAccount, map[string]interface{}{
			"accountId": account.AccountID,
		})
		switch {
		case engine.IsAlreadyExists(err):
			m.advance(ctx, r, spec, engine.AccountInvited, "")
		case err != nil:
			return err
		case res.Outputs["state"] == "ACCEPTED":
			m.advance(ctx, r, spec, engine.AccountActive, "")
		default:
			m.advance(ctx, r, spec, engine.AccountInvited, "")
		}
	}
	return nil
}

func (m *Machine) deployFramework(ctx context.Context, r *run) error {
	if m.deployer == nil {
		return engine.NewConfigurationError("no deployer configured", nil).
			WithOperation(string(StateDeployFramework))
	}
	data, err := m.deployer.Deploy(ctx, r.id)
	if err != nil {
		return err
	}
	r.deployment = data
	return nil
}

func (m *Machine) notifySuccess(ctx context.Context, r *run) error {
	data := m.runData(r)
	for k, v := range r.deployment {
		data[k] = v
	}
	if err := m.sink.Notify(ctx, engine.Notification{
		Kind:      engine.NotificationSuccess,
		RunID:     r.id,
		State:     string(StateNotifySuccess),
		Data:      data,
		Timestamp: time.Now(),
	}); err != nil {
		return engine.NewExecutionError("failed to deliver success notification", err).
			WithOperation(string(StateNotifySuccess))
	}
	return nil
}

func (m *Machine) advance(ctx context.Context, r *run, spec AccountSpec, state engine.AccountState, accountID string) {
	account, changed := r.ledger.advance(spec.Key(), state, accountID)
	if changed {
		m.trackAccount(ctx, r, account)
	}
}
