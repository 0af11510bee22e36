package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/govframe/pkg/engine"
)

// runDetail is a run with its recorded history.
type runDetail struct {
	Run         *engine.Run                `json:"run"`
	Transitions []*engine.StateTransition `json:"transitions,omitempty"`
	Tasks       []*engine.TaskResult       `json:"tasks,omitempty"`
}

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		accounts bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded in the run store.

Without arguments the most recent runs are listed. With a run ID the run's
state transitions and task results are shown. --accounts lists the account
ledger maintained by provisioning runs.`,
		Example: `  # List the last 20 runs
  govframe history

  # Show one run
  govframe history 3f2b9c4e-7f0a-4c55-8f7e-2d1c6f0b9a11

  # Show the account ledger
  govframe history --accounts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)

			switch {
			case accounts:
				ledger, err := store.ListAccounts(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return a.printJSON(ledger)
				}
				fmt.Fprintln(w, "ACCOUNT\tENVIRONMENT\tID\tEMAIL\tSTATE\tUPDATED")
				for _, acct := range ledger {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						acct.Name, acct.Environment, acct.AccountID, acct.Email, acct.State, acct.UpdatedAt.Format(time.RFC3339))
				}

			case len(args) == 1:
				detail, err := loadRunDetail(cmd, store, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return a.printJSON(detail)
				}
				printRunDetail(w, detail)

			default:
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return a.printJSON(runs)
				}
				fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTATE\tSTARTED")
				for _, run := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						run.ID, run.Kind, run.Status, run.State, run.StartedAt.Format(time.RFC3339))
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&accounts, "accounts", false, "list the account ledger")

	return cmd
}

func loadRunDetail(cmd *cobra.Command, store engine.RunStore, id string) (*runDetail, error) {
	ctx := cmd.Context()

	run, err := store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	transitions, err := store.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTaskResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &runDetail{Run: run, Transitions: transitions, Tasks: tasks}, nil
}

func printRunDetail(w *tabwriter.Writer, d *runDetail) {
	fmt.Fprintf(w, "Run:\t%s\n", d.Run.ID)
	fmt.Fprintf(w, "Kind:\t%s\n", d.Run.Kind)
	fmt.Fprintf(w, "Status:\t%s\n", d.Run.Status)
	if d.Run.Environment != "" {
		fmt.Fprintf(w, "Environment:\t%s\n", d.Run.Environment)
	}
	if d.Run.State != "" {
		fmt.Fprintf(w, "State:\t%s\n", d.Run.State)
	}
	if d.Run.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", d.Run.Error)
	}

	if len(d.Transitions) > 0 {
		fmt.Fprintln(w, "\nSEQ\tFROM\tTO\tATTEMPTS\tERROR")
		for _, t := range d.Transitions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", t.Sequence, t.From, t.To, t.Attempts, t.Error)
		}
	}

	if len(d.Tasks) > 0 {
		fmt.Fprintln(w, "\nTASK\tSTATUS\tDURATION\tERROR")
		for _, r := range d.Tasks {
			msg := ""
			if r.Error != nil {
				msg = r.Error.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.TaskID, r.Status, r.Duration.Round(time.Millisecond), msg)
		}
	}
}
