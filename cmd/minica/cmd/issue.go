package cmd

import (
	"crypto/x509"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/pki"
)

func newIssueCmd(a *app) *cobra.Command {
	var (
		info         pki.SubjectInfo
		validityDays int
		keyAlg       string
		issuer       string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an end-entity certificate",
		Long: `Issue an end-entity certificate signed by the intermediate authority.
The key and certificate are saved under the common name, with spaces and
other unsafe characters replaced by underscores.`,
		Args: cobra.NoArgs,
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
				return fmt.Errorf("loading %s authority (run `minica init` first?): %w", name, err)
			}
			alg, err := a.keyAlgorithm(keyAlg)
			if err != nil {
				return err
			}
			if validityDays == 0 {
				validityDays = a.cfg.Leaf.ValidityDays
			}

			_, cert, err := pki.NewIssuer(store, a.logger).Issue(authority, info,
				pki.WithValidityDays(validityDays),
				pki.WithKeyAlgorithm(alg),
			)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Issued certificate %q\n", pki.ArtifactName(cert.Subject.CommonName))
			return renderCertificates(out, []*x509.Certificate{cert}, []string{"leaf"})
		},
	}
	f := cmd.Flags()
	f.StringVar(&info.CommonName, "cn", "", "Common name (default "+pki.DefaultCommonName+")")
	f.StringVar(&info.Organization, "org", "", "Organization (default "+pki.DefaultOrganization+")")
	f.StringVar(&info.Country, "country", "", "Country code (default "+pki.DefaultCountry+")")
	f.IntVar(&validityDays, "validity-days", 0, "Validity in days (default from config)")
	f.StringVar(&keyAlg, "key-algorithm", "", "Key algorithm: rsa2048 or ecdsa-p256 (overrides config)")
	f.StringVar(&issuer, "issuer", "intermediate", "Signing authority: intermediate or root")
	return cmd
}
