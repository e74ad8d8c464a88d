package cmd

import (
	"crypto/x509"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jmcleod/minica/pki"
)

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewTable(w)
	table.Header(headers)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

// renderCertificates prints one row per certificate. roles may be nil.
func renderCertificates(w io.Writer, certs []*x509.Certificate, roles []string) error {
	now := time.Now()
	rows := make([][]string, 0, len(certs))
	for i, cert := range certs {
		info := pki.Describe(cert, now)
		role := ""
		if i < len(roles) {
			role = roles[i]
		}
		rows = append(rows, []string{
			role,
			info.Subject,
			info.Issuer,
			info.SerialNumber,
			info.NotAfter.Format(time.DateOnly),
			info.KeyAlgorithm,
			info.Validity,
		})
	}
	return renderTable(w, []string{"Role", "Subject", "Issuer", "Serial", "Valid Until", "Key", "Validity"}, rows)
}
