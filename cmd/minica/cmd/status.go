package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/pki"
)

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status CERT_FILE...",
		Short: "Show the revocation status of certificates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := a.registry()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(args))
			for _, path := range args {
				cert, err := readCertificate(path)
				if err != nil {
					return err
				}
				status, err := registry.CheckStatus(cmd.Context(), cert)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				row := []string{path, pki.SubjectString(cert.Subject), pki.Describe(cert, time.Now()).SerialNumber, status.State.String(), "", ""}
				if status.State == pki.StateRevoked {
					row[4] = status.Reason.String()
					row[5] = status.RevokedAt.Format(time.RFC3339)
				}
				rows = append(rows, row)
			}
			return renderTable(cmd.OutOrStdout(), []string{"File", "Subject", "Serial", "Status", "Reason", "Revoked At"}, rows)
		},
	}
	return cmd
}
