package cmd

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/pki"
)

var errChainInvalid = errors.New("certificate chain is not valid")

func newVerifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify CERT_FILE [CHAIN_FILE...]",
		Short: "Verify a certificate chain",
		Long: `Verify that CERT_FILE chains to a self-signed root through the given chain
files, in any order. Without chain files the stored intermediate and root
authorities are used. Expiry and revocation are not checked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leaf, err := readCertificate(args[0])
			if err != nil {
				return err
			}

			var chain []*x509.Certificate
			if len(args) > 1 {
				for _, path := range args[1:] {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					certs, err := pki.DecodeCertificates(data)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					chain = append(chain, certs...)
				}
			} else {
				store, err := a.store()
				if err != nil {
					return err
				}
				for _, name := range []string{pki.IntermediateAuthorityName, pki.RootAuthorityName} {
					cert, err := store.LoadCertificate(name)
					if err != nil {
						return err
					}
					chain = append(chain, cert)
				}
			}

			res := (&pki.Verifier{Logger: a.logger}).Verify(leaf, chain)
			out := cmd.OutOrStdout()
			if len(res.Chain) > 0 {
				if err := renderCertificates(out, res.Chain, pki.ChainRoles(res.Chain)); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "Chain valid: %t\n", res.Valid)
			if !res.Valid {
				return fmt.Errorf("%w: %v", errChainInvalid, res.Reason)
			}
			return nil
		},
	}
	return cmd
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cert, err := pki.DecodeCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}
