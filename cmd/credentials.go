package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/vault"
)

// newCredentialsCmd manages the encrypted credential vault.
func newCredentialsCmd() *cobra.Command {
	credsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manages the stored portal credentials",
	}

	credsCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints the stored login email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			v := vault.New(cfg.Vault.Path, cfg.Vault.Passphrase, observability.GetLogger())
			creds, err := v.GetCredentials(cmd.Context())
			if err != nil {
				return err
			}
			if creds == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No credentials stored in %s\n", v.Path())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (stored in %s)\n", creds.Email, v.Path())
			return nil
		},
	})

	credsCmd.AddCommand(&cobra.Command{
		Use:   "forget",
		Short: "Deletes the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			v := vault.New(cfg.Vault.Path, cfg.Vault.Passphrase, observability.GetLogger())
			if err := v.Forget(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credentials forgotten.")
			return nil
		},
	})
	return credsCmd
}
