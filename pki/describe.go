package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jmcleod/minica/internal/util"
)

// Validity states reported by CertificateInfo.
const (
	StatusActive      = "active"
	StatusExpired     = "expired"
	StatusNotYetValid = "not yet valid"
)

// CertificateInfo holds the display fields of a certificate.
type CertificateInfo struct {
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	SerialNumber      string    `json:"serial_number"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	KeyAlgorithm      string    `json:"key_algorithm"`
	IsCA              bool      `json:"is_ca"`
	MaxPathLen        *int      `json:"max_path_len,omitempty"`
	DNSNames          []string  `json:"dns_names,omitempty"`
	Validity          string    `json:"validity"`
}

// Describe extracts display fields from cert, judging its validity window
// against now.
func Describe(cert *x509.Certificate, now time.Time) CertificateInfo {
	fingerprint := sha256.Sum256(cert.Raw)
	info := CertificateInfo{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      serialHex(cert.SerialNumber),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		FingerprintSHA256: util.HexEncode(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(cert),
		IsCA:              cert.IsCA,
		DNSNames:          cert.DNSNames,
		Validity:          validityStatus(cert, now),
	}
	if limit, ok := pathLenLimit(cert); ok && cert.IsCA {
		info.MaxPathLen = &limit
	}
	return info
}

// ValidAt reports whether t falls inside the certificate's validity window.
// Chain verification ignores time; callers that care combine the two.
func ValidAt(cert *x509.Certificate, t time.Time) bool {
	return !t.Before(cert.NotBefore) && !t.After(cert.NotAfter)
}

// SubjectString formats a distinguished name for display.
func SubjectString(name pkix.Name) string {
	return subjectString(name)
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func validityStatus(cert *x509.Certificate, now time.Time) string {
	switch {
	case now.Before(cert.NotBefore):
		return StatusNotYetValid
	case now.After(cert.NotAfter):
		return StatusExpired
	default:
		return StatusActive
	}
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

// serialHex is the registry and display form of a serial number.
func serialHex(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return util.HexEncode(serial.Bytes())
}

// ParseSerial accepts a serial number in hex, with or without colons or a
// 0x prefix, as printed by this package and by openssl.
func ParseSerial(s string) (*big.Int, error) {
	clean := strings.ToLower(strings.TrimSpace(s))
	clean = strings.TrimPrefix(clean, "0x")
	clean = strings.ReplaceAll(clean, ":", "")
	if len(clean)%2 == 1 {
		clean = "0" + clean
	}
	b, err := util.HexDecode(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid serial number %q", s)
	}
	serial := new(big.Int).SetBytes(b)
	if serial.Sign() <= 0 {
		return nil, fmt.Errorf("invalid serial number %q", s)
	}
	return serial, nil
}
