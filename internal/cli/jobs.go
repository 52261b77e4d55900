package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"scribe/internal/output"
)

var errLedgerDisabled = errors.New("job ledger is disabled (store.driver is none)")

func NewJobsCmd(deps *Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job-name]",
		Short: "List recorded jobs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := deps.Services.Store
			if store == nil {
				return errLedgerDisabled
			}
			formatter := output.NewFormatter(cmd.OutOrStdout())

			if len(args) == 1 {
				rec, err := store.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				formatter.JobDetail(rec)
				return nil
			}

			records, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			formatter.JobList(records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to list")
	return cmd
}
