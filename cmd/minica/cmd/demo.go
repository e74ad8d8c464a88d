package cmd

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/config"
	"github.com/jmcleod/minica/pki"
	"github.com/jmcleod/minica/storage"
	"github.com/jmcleod/minica/storage/file"
	"github.com/jmcleod/minica/storage/memory"
)

func newDemoCmd(a *app) *cobra.Command {
	var (
		subject pki.SubjectInfo
		dir     string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the full lifecycle: build the hierarchy, issue, verify, revoke, check status",
		Long: `Run the full lifecycle: build the hierarchy, issue, verify, revoke, check status.
The demo never touches the configured authorities. It writes PEM files into
its own directory (default <store dir>/demo), or keeps everything in memory
with the memory backend. Each run replaces the previous demo authorities.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, where, err := demoRepository(a.cfg, dir)
			if err != nil {
				return err
			}
			alg, err := a.cfg.KeyAlgorithm()
			if err != nil {
				return err
			}
			store := a.storeOn(repo)
			d := demo{
				out:      cmd.OutOrStdout(),
				store:    store,
				registry: a.registryOn(repo),
				issuer:   pki.NewIssuer(store, a.logger),
				alg:      alg,
			}
			fmt.Fprintf(d.out, "Demo artifacts: %s\n", where)
			return d.run(cmd.Context(), subject)
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject.CommonName, "cn", "giabao", "Common name of the demo certificate")
	f.StringVar(&subject.Organization, "org", "giabao Company", "Organization of the demo certificate")
	f.StringVar(&subject.Country, "country", "VN", "Country of the demo certificate")
	f.StringVar(&dir, "dir", "", "Directory for the demo artifacts (default <store dir>/demo)")
	return cmd
}

// demoRepository opens the isolated repository the demo writes into and
// describes where it lives.
func demoRepository(cfg config.Config, dir string) (storage.Repository, string, error) {
	if cfg.Store.Backend == config.BackendMemory && dir == "" {
		return memory.NewRepository(), "memory", nil
	}
	if dir == "" {
		dir = filepath.Join(cfg.Store.Dir, "demo")
	}
	repo, err := file.NewRepository(dir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open demo store: %w", err)
	}
	return repo, dir, nil
}

type demo struct {
	out      io.Writer
	store    *pki.Store
	registry *pki.Registry
	issuer   *pki.Issuer
	alg      pki.KeyAlgorithm
}

func (d demo) step(n int, format string, args ...any) {
	fmt.Fprintf(d.out, "\n[%d] %s\n", n, fmt.Sprintf(format, args...))
}

func (d demo) run(ctx context.Context, subject pki.SubjectInfo) error {
	fmt.Fprintln(d.out, "--- minica certificate authority demonstration ---")

	d.step(1, "Creating root CA...")
	root, err := pki.CreateRootAuthority(pki.WithKeyAlgorithm(d.alg))
	if err != nil {
		return err
	}
	if _, err := installAuthority(ctx, d.store, d.registry, pki.RootAuthorityName, root); err != nil {
		return err
	}
	fmt.Fprintf(d.out, "    %s (serial %s)\n", root.Subject(), root.Certificate.SerialNumber.Text(16))

	d.step(2, "Creating intermediate CA...")
	inter, err := pki.CreateIntermediateAuthority(root, pki.WithKeyAlgorithm(d.alg))
	if err != nil {
		return err
	}
	if _, err := installAuthority(ctx, d.store, d.registry, pki.IntermediateAuthorityName, inter); err != nil {
		return err
	}
	fmt.Fprintf(d.out, "    %s (serial %s)\n", inter.Subject(), inter.Certificate.SerialNumber.Text(16))

	d.step(3, "Issuing certificate for %s...", subject.WithDefaults().CommonName)
	_, cert, err := d.issuer.Issue(inter, subject, pki.WithKeyAlgorithm(d.alg))
	if err != nil {
		return err
	}
	name := pki.ArtifactName(cert.Subject.CommonName)
	fmt.Fprintf(d.out, "    Issued %q, serial %s\n", name, cert.SerialNumber.Text(16))

	d.step(4, "Verifying chain...")
	leaf, err := d.store.LoadCertificate(name)
	if err != nil {
		return err
	}
	valid := pki.VerifyChain(leaf, []*x509.Certificate{inter.Certificate, root.Certificate})
	fmt.Fprintf(d.out, "    Chain valid: %t\n", valid)
	if !valid {
		return errChainInvalid
	}

	d.step(5, "Revoking certificate (%s)...", pki.ReasonKeyCompromise)
	if _, err := d.registry.Revoke(ctx, leaf.SerialNumber, inter, pki.ReasonKeyCompromise); err != nil {
		return err
	}
	fmt.Fprintln(d.out, "    Revoked.")

	d.step(6, "Checking revocation status...")
	status, err := d.registry.CheckStatus(ctx, leaf)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "    Status: %s\n", status)

	fmt.Fprintln(d.out, "\n--- demonstration complete ---")
	return nil
}
