package cmd

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/pki"
)

func newRevokeCmd(a *app) *cobra.Command {
	var (
		reason string
		serial string
		issuer string
	)
	cmd := &cobra.Command{
		Use:   "revoke [CERT_FILE]",
		Short: "Revoke a certificate",
		Long: `Record a certificate as revoked in the registry of its issuing authority.
Identify the certificate by file or by --serial. Revoking an already revoked
certificate keeps the original entry.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := pki.ParseReason(reason)
			if err != nil {
				return err
			}

			var sn *big.Int
			switch {
			case len(args) == 1 && serial != "":
				return errors.New("give either CERT_FILE or --serial, not both")
			case len(args) == 1:
				cert, err := readCertificate(args[0])
				if err != nil {
					return err
				}
				sn = cert.SerialNumber
			case serial != "":
				if sn, err = pki.ParseSerial(serial); err != nil {
					return err
				}
			default:
				return errors.New("give CERT_FILE or --serial")
			}

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
			entry, err := registry.Revoke(cmd.Context(), sn, authority, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked serial %s (%s) at %s\n",
				entry.SerialNumber, entry.Reason, entry.RevokedAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&reason, "reason", pki.ReasonUnspecified.String(), "Revocation reason, e.g. key_compromise, superseded")
	f.StringVar(&serial, "serial", "", "Serial number in hex, instead of CERT_FILE")
	f.StringVar(&issuer, "issuer", "intermediate", "Issuing authority: intermediate or root")
	return cmd
}
