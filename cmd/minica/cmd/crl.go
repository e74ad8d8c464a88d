package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/pki"
)

func newCRLCmd(a *app) *cobra.Command {
	var (
		issuer string
		output string
	)
	cmd := &cobra.Command{
		Use:   "crl",
		Short: "Export a signed X.509 CRL from the revocation registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			name, err := authorityName(issuer)
			if err != nil {
				return err
			}
			authority, err := store.LoadAuthority(name)
			if err != nil {
				return err
			}
			registry, err := a.registry()
			if err != nil {
				return err
			}
			crl, err := registry.GenerateCRL(cmd.Context(), authority,
				pki.WithNextUpdate(time.Duration(a.cfg.CRL.NextUpdateHours)*time.Hour))
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, crl, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(crl)
			return err
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "intermediate", "Issuing authority: intermediate or root")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the CRL to a file instead of stdout")
	return cmd
}
