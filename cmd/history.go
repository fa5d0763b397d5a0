package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
)

// newHistoryCmd lists the latest runs.
func newHistoryCmd() *cobra.Command {
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Shows the latest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			pool, dbStore, err := openStore(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer pool.Close()

			runs, err := dbStore.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd, runs)
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	return historyCmd
}

func printRuns(cmd *cobra.Command, runs []schemas.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tMODE\tDOCS\tACCOUNT\tDETAIL")
	for _, r := range runs {
		mode := "incremental"
		if r.FullRefresh {
			mode = "full"
		}
		detail := r.Reason
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Status, mode, r.Documents, r.SourceAccount, detail)
	}
	return w.Flush()
}
