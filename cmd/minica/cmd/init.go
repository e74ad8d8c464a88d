package cmd

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/config"
	"github.com/jmcleod/minica/pki"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		force  bool
		keyAlg string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the root and intermediate authorities",
		Long: `Create the root and intermediate authorities. With --force existing
authorities are replaced; when a new authority has the subject of an old
one, the old revocation registry is archived next to the new, empty one and
the old CRL is removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			if !force {
				if _, err := store.LoadCertificate(pki.RootAuthorityName); err == nil {
					return errors.New("a root authority already exists (use --force to replace it)")
				} else if !errors.Is(err, pki.ErrNotFound) {
					return err
				}
			}
			alg, err := a.keyAlgorithm(keyAlg)
			if err != nil {
				return err
			}

			root, inter, err := buildHierarchy(a.cfg, alg, time.Now)
			if err != nil {
				return err
			}
			registry, err := a.registry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, auth := range []struct {
				name      string
				authority *pki.Authority
			}{
				{pki.RootAuthorityName, root},
				{pki.IntermediateAuthorityName, inter},
			} {
				archive, err := installAuthority(cmd.Context(), store, registry, auth.name, auth.authority)
				if err != nil {
					return err
				}
				if archive != "" {
					fmt.Fprintf(out, "Archived the revocation registry of the replaced %s as %s\n", auth.name, archive)
				}
			}
			a.logger.Info("initialised certificate authority", "root", root.Subject(), "intermediate", inter.Subject())

			fmt.Fprintf(out, "Created root and intermediate authorities in %s store\n", a.cfg.Store.Backend)
			return renderCertificates(out,
				[]*x509.Certificate{inter.Certificate, root.Certificate},
				[]string{"intermediate", "root"},
			)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace existing authorities")
	cmd.Flags().StringVar(&keyAlg, "key-algorithm", "", "Key algorithm: rsa2048 or ecdsa-p256 (overrides config)")
	return cmd
}

// installAuthority saves authority under name and hands the revocation
// registry of its subject over to it. It returns the archive name of a
// replaced registry, or "".
func installAuthority(ctx context.Context, store *pki.Store, registry *pki.Registry, name string, authority *pki.Authority) (string, error) {
	if err := store.SaveAuthority(name, authority); err != nil {
		return "", err
	}
	return registry.Reset(ctx, authority)
}

// buildHierarchy creates the root and intermediate described by cfg.
func buildHierarchy(cfg config.Config, alg pki.KeyAlgorithm, now func() time.Time) (*pki.Authority, *pki.Authority, error) {
	root, err := pki.CreateRootAuthority(
		pki.WithSubject(cfg.Root.Subject.Name()),
		pki.WithValidityDays(cfg.Root.ValidityDays),
		pki.WithKeyAlgorithm(alg),
		pki.WithClock(now),
	)
	if err != nil {
		return nil, nil, err
	}
	inter, err := pki.CreateIntermediateAuthority(root,
		pki.WithSubject(cfg.Intermediate.Subject.Name()),
		pki.WithValidityDays(cfg.Intermediate.ValidityDays),
		pki.WithKeyAlgorithm(alg),
		pki.WithClock(now),
	)
	if err != nil {
		return nil, nil, err
	}
	return root, inter, nil
}
