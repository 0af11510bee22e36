package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/config"
	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/provision"
)

// provisionReport is the printed outcome of a provisioning run.
type provisionReport struct {
	RunID          string                   `json:"run_id"`
	State          provision.State          `json:"state"`
	FailedState    provision.State          `json:"failed_state,omitempty"`
	Error          string                   `json:"error,omitempty"`
	OrganizationID string                   `json:"organization_id,omitempty"`
	Accounts       []*engine.TrackedAccount `json:"accounts"`
	Transitions    []engine.StateTransition `json:"transitions"`
	Duration       time.Duration            `json:"duration"`
}

func newProvisionCommand() *cobra.Command {
	var (
		deployMode string
		pipelines  []string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Bootstrap the organization and deploy the framework",
		Long: `Run the provisioning state machine once.

States run strictly in order:
  Start → VerifyNotificationSubscription → VerifyCredentials →
  InitializeOrganization → CreateAccounts → InviteAccounts →
  DeployFramework → NotifySuccess

Any failure routes the run through NotifyFailure to Failed. Accounts that
already exist are reused, so a failed run can be started again.`,
		Example: `  # Provision with the settings in govframe.yaml
  govframe provision

  # Hand the plans to the external pipeline service instead of running them
  govframe provision --deploy-mode external

  # Rehearse the whole run against the simulated provider
  govframe provision --simulate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if deployMode != "" {
				if deployMode != config.DeployModeRunner && deployMode != config.DeployModeExternal {
					return engine.NewConfigurationError("unknown deploy mode "+deployMode, nil)
				}
				a.settings.DeployMode = deployMode
			}

			ctx := cmd.Context()
			provider, err := a.provider(ctx)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			caller := a.caller(provider)
			sink, err := a.notificationSink(ctx)
			if err != nil {
				return err
			}
			deployer, err := a.deployer(ctx, provider, caller, store, pipelines)
			if err != nil {
				return err
			}

			machine := provision.New(a.topo, caller, sink, deployer,
				provision.WithRunStore(store),
				provision.WithTelemetry(a.tel),
				provision.WithRetry(a.settings.Retry),
				provision.WithAccountPoll(a.settings.AccountPoll),
				provision.WithTopicARN(a.settings.Notifications.TopicARN),
			)

			result, runErr := machine.Run(ctx)
			if result == nil {
				return runErr
			}

			report := &provisionReport{
				RunID:          result.RunID,
				State:          result.State,
				FailedState:    result.FailedState,
				OrganizationID: result.OrganizationID,
				Accounts:       result.Accounts,
				Transitions:    result.Transitions,
				Duration:       result.CompletedAt.Sub(result.StartedAt),
			}
			if runErr != nil {
				report.Error = runErr.Error()
			}

			if jsonOutput {
				if err := a.printJSON(report); err != nil {
					return err
				}
			} else if err := a.printProvision(report); err != nil {
				return err
			}

			return runErr
		},
	}

	cmd.Flags().StringVar(&deployMode, "deploy-mode", "", "runner or external (default from settings)")
	cmd.Flags().StringSliceVarP(&pipelines, "pipeline", "p", nil, "limit the framework deployment to specific pipelines")

	return cmd
}

func (a *app) printProvision(r *provisionReport) error {
	fmt.Fprintf(a.out, "Run:          %s\n", r.RunID)
	if r.OrganizationID != "" {
		fmt.Fprintf(a.out, "Organization: %s\n", r.OrganizationID)
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nFROM\tTO\tATTEMPTS\tERROR")
	for _, t := range r.Transitions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.From, t.To, t.Attempts, t.Error)
	}
	fmt.Fprintln(w, "\nACCOUNT\tENVIRONMENT\tID\tSTATE")
	for _, acct := range r.Accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", acct.Name, acct.Environment, acct.AccountID, acct.State)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if r.Error != "" {
		fmt.Fprintf(a.out, "\n✗ Provisioning failed in %s after %s: %s\n", r.FailedState, r.Duration.Round(time.Millisecond), r.Error)
		return nil
	}
	fmt.Fprintf(a.out, "\n✓ Provisioning completed in %s\n", r.Duration.Round(time.Millisecond))
	return nil
}
