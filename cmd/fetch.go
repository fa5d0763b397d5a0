package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/observability"
)

// newFetchCmd creates and configures the `fetch` command.
func newFetchCmd() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Logs into the portal and downloads new payslips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}

			components, err := initializeFetchComponents(ctx, cfg, logger)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return fmt.Errorf("failed to initialize fetch components: %w", err)
			}

			sum, err := components.Orchestrator.Run(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Fetch aborted", zap.String("run_id", sum.RunID))
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s complete: %d document(s) from %d account(s) into %s\n",
				sum.RunID, sum.Documents, sum.Accounts, cfg.Download.OutputDir)
			if sum.Mode.FullRefresh {
				fmt.Fprintf(cmd.OutOrStdout(), "Full refresh: %s\n", sum.Mode.Reason)
			}
			return nil
		},
	}

	fetchCmd.Flags().Bool("full-refresh", false, "Fetch every contract and payslip regardless of run history. (Overrides config/env)")
	fetchCmd.Flags().StringP("output", "o", "", "Directory payslips are written to. (Overrides config/env)")
	fetchCmd.Flags().Bool("headless", false, "Run Chromium without a window. (Overrides config/env)")
	fetchCmd.Flags().String("revision", "", "Portal revision: payfit or payfit-picker. (Overrides config/env)")
	return fetchCmd
}
