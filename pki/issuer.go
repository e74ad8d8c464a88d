package pki

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/minica/internal/util"
)

// Leaf subject defaults, applied field by field when SubjectInfo leaves one
// empty.
const (
	DefaultCountry      = "VN"
	DefaultOrganization = "End Entity"
	DefaultCommonName   = "user.example.com"
)

// SubjectInfo describes the holder of an end-entity certificate.
type SubjectInfo struct {
	Country      string `json:"country" toml:"country" yaml:"country"`
	Organization string `json:"organization" toml:"organization" yaml:"organization"`
	CommonName   string `json:"common_name" toml:"common_name" yaml:"common_name"`
}

// WithDefaults fills in empty fields.
func (s SubjectInfo) WithDefaults() SubjectInfo {
	if strings.TrimSpace(s.Country) == "" {
		s.Country = DefaultCountry
	}
	if strings.TrimSpace(s.Organization) == "" {
		s.Organization = DefaultOrganization
	}
	if strings.TrimSpace(s.CommonName) == "" {
		s.CommonName = DefaultCommonName
	}
	return s
}

// Name converts the subject into a pkix.Name, after applying defaults.
func (s SubjectInfo) Name() pkix.Name {
	s = s.WithDefaults()
	return pkix.Name{
		Country:      []string{s.Country},
		Organization: []string{s.Organization},
		CommonName:   s.CommonName,
	}
}

// IssueCertificate generates a key pair for the subject and signs an
// end-entity certificate for it with authority. The certificate can never
// act as a CA.
func IssueCertificate(authority *Authority, info SubjectInfo, opts ...Option) (*KeyPair, *x509.Certificate, error) {
	const op = "issue certificate"
	if err := authority.check(); err != nil {
		return nil, nil, opError(op, ErrSigning, err)
	}

	o := buildOptions(DefaultLeafValidityDays, opts)
	info = info.WithDefaults()

	key, err := GenerateKeyPair(o.algorithm)
	if err != nil {
		return nil, nil, err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, nil, opError(op, ErrSigning, fmt.Errorf("generating serial number: %w", err))
	}

	notBefore, notAfter := o.window()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               info.Name(),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	if _, ok := key.Signer().(*rsa.PrivateKey); ok {
		tmpl.KeyUsage |= x509.KeyUsageKeyEncipherment
	}
	if isHostname(info.CommonName) {
		tmpl.DNSNames = []string{strings.ToLower(info.CommonName)}
	}

	cert, err := createCertificate(tmpl, authority.Certificate, key.Public(), authority.Key)
	if err != nil {
		return nil, nil, opError(op, ErrSigning, err)
	}
	return key, cert, nil
}

// isHostname reports whether s looks like a DNS name with at least two
// labels, in which case it is also placed in the SAN extension.
func isHostname(s string) bool {
	labels := strings.Split(strings.ToLower(s), ".")
	if len(labels) < 2 || len(s) > 253 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

// Issuer issues end-entity certificates and persists them.
type Issuer struct {
	Store  *Store
	Logger *slog.Logger
}

// NewIssuer returns an Issuer writing to store.
func NewIssuer(store *Store, logger *slog.Logger) *Issuer {
	return &Issuer{Store: store, Logger: logger}
}

// Issue signs a certificate like IssueCertificate and saves the key and
// certificate under ArtifactName(CommonName). A name that would replace an
// authority's artifacts is refused with ErrStorage before anything is
// signed. A failed save reports ErrStorage; the key and certificate are
// still returned.
func (i *Issuer) Issue(authority *Authority, info SubjectInfo, opts ...Option) (*KeyPair, *x509.Certificate, error) {
	name := ArtifactName(info.WithDefaults().CommonName)
	if err := i.Store.checkLeafName(name); err != nil {
		return nil, nil, err
	}
	key, cert, err := IssueCertificate(authority, info, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := i.Store.SaveKeyPair(name, key); err != nil {
		return key, cert, err
	}
	if err := i.Store.SaveCertificate(name, cert); err != nil {
		return key, cert, err
	}
	logger(i.Logger).Info("issued certificate",
		"subject", subjectString(cert.Subject),
		"issuer", subjectString(cert.Issuer),
		"serial", serialHex(cert.SerialNumber),
		"name", name,
	)
	return key, cert, nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
