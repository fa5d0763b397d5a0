package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/payslip-cli/internal/observability"
)

// newLogoutCmd ends the portal session kept in the browser profile.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logs out of the portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}

			components, err := initializeBrowserComponents(ctx, cfg, observability.GetLogger())
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return fmt.Errorf("failed to initialize browser: %w", err)
			}

			if err := components.Session.Navigate(ctx, components.Adapter.URLs().Base); err != nil {
				return err
			}
			if err := components.Machine.EnsureNotAuthenticated(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}
