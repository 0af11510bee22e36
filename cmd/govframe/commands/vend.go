package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/provision"
)

// vendReport is the printed outcome of a vended account.
type vendReport struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Environment string `json:"environment"`
	AccountID   string `json:"account_id,omitempty"`
	State       string `json:"state"`
	OUPath      string `json:"ou_path,omitempty"`
	OUID        string `json:"ou_id,omitempty"`
	Moved       bool   `json:"moved"`
	Error       string `json:"error,omitempty"`
}

func newVendCommand() *cobra.Command {
	var req provision.VendRequest

	cmd := &cobra.Command{
		Use:   "vend",
		Short: "Create a tenant account and place it in an organizational unit",
		Long: `Vend a single account outside of the provisioning run.

The organizational unit path is resolved first, then the account is created,
invited into the organization and moved under the unit. In the GovCloud
partition a GovCloud account is requested. An email that already has an
account is refused.`,
		Example: `  # Vend an account into a nested unit
  govframe vend --name analytics --email analytics@example.com --ou-path workloads/tenants

  # Leave the account at the organization root
  govframe vend --name sandbox --email sandbox@example.com --simulate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

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

			machine := provision.New(a.topo, a.caller(provider), nil, nil,
				provision.WithRunStore(store),
				provision.WithTelemetry(a.tel),
				provision.WithAccountPoll(a.settings.AccountPoll),
			)

			result, vendErr := machine.Vend(ctx, req)
			if result == nil {
				return vendErr
			}

			report := &vendReport{
				Name:        result.Account.Name,
				Email:       result.Account.Email,
				Environment: result.Account.Environment,
				AccountID:   result.Account.AccountID,
				State:       string(result.Account.State),
				OUPath:      result.Account.OUPath,
				OUID:        result.OUID,
				Moved:       result.Moved,
			}
			if vendErr != nil {
				report.Error = vendErr.Error()
			}

			if jsonOutput {
				if err := a.printJSON(report); err != nil {
					return err
				}
			} else {
				a.printVend(report)
			}
			return vendErr
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "account name")
	cmd.Flags().StringVar(&req.Email, "email", "", "root email of the new account")
	cmd.Flags().StringVarP(&req.Environment, "environment", "e", "", "environment recorded for the account (default \"vended\")")
	cmd.Flags().StringVar(&req.OUPath, "ou-path", "", "slash separated organizational unit path below the root")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func (a *app) printVend(r *vendReport) {
	fmt.Fprintf(a.out, "Account:     %s (%s)\n", r.Name, r.Email)
	fmt.Fprintf(a.out, "Environment: %s\n", r.Environment)
	if r.AccountID != "" {
		fmt.Fprintf(a.out, "ID:          %s\n", r.AccountID)
	}
	fmt.Fprintf(a.out, "State:       %s\n", r.State)
	if r.OUPath != "" {
		fmt.Fprintf(a.out, "Unit:        %s (%s)\n", r.OUPath, r.OUID)
	}

	if r.Error != "" {
		fmt.Fprintf(a.out, "\n✗ Vending failed: %s\n", r.Error)
		return
	}
	fmt.Fprintf(a.out, "\n✓ Account vended\n")
}
