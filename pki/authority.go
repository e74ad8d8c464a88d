package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"

	"github.com/jmcleod/minica/internal/util"
)

// Path length constraints of the two authority tiers. The root may sign one
// further CA; the intermediate may only sign end-entity certificates.
const (
	RootMaxPathLen         = 1
	IntermediateMaxPathLen = 0
)

// RootSubject is the default distinguished name of the root authority.
func RootSubject() pkix.Name {
	return pkix.Name{
		Country:      []string{"VN"},
		Organization: []string{"Mini Root CA"},
		CommonName:   "Mini Root CA",
	}
}

// IntermediateSubject is the default distinguished name of the
// intermediate authority.
func IntermediateSubject() pkix.Name {
	return pkix.Name{
		Country:      []string{"VN"},
		Organization: []string{"Mini Intermediate CA"},
		CommonName:   "Mini Intermediate CA",
	}
}

// Authority is a CA: a certificate allowed to sign others, plus its key.
type Authority struct {
	Key         *KeyPair
	Certificate *x509.Certificate
}

// Subject returns the authority's distinguished name in display form.
func (a *Authority) Subject() string {
	return subjectString(a.Certificate.Subject)
}

var (
	errNilAuthority = errors.New("authority is missing its key or certificate")
	errKeyMismatch  = errors.New("authority key does not match its certificate")
	errNotCA        = errors.New("certificate is not a CA")
	errNoDelegation = errors.New("authority path length forbids signing another CA")
)

// check confirms the authority can sign: it has both halves, they belong
// together, and the certificate is a CA.
func (a *Authority) check() error {
	if a == nil || a.Key == nil || a.Certificate == nil {
		return errNilAuthority
	}
	if !a.Key.Matches(a.Certificate.PublicKey) {
		return errKeyMismatch
	}
	if !a.Certificate.BasicConstraintsValid || !a.Certificate.IsCA {
		return errNotCA
	}
	return nil
}

// pathLenLimit returns the path length constraint of cert and whether one
// is present.
func pathLenLimit(cert *x509.Certificate) (int, bool) {
	switch {
	case cert.MaxPathLen > 0:
		return cert.MaxPathLen, true
	case cert.MaxPathLen == 0 && cert.MaxPathLenZero:
		return 0, true
	default:
		return 0, false
	}
}

// CreateRootAuthority generates a key pair and a self-signed root
// certificate with BasicConstraints CA:TRUE, pathlen:1.
func CreateRootAuthority(opts ...Option) (*Authority, error) {
	const op = "create root authority"
	o := buildOptions(DefaultRootValidityDays, opts)
	subject := RootSubject()
	if o.subject != nil {
		subject = *o.subject
	}

	key, err := GenerateKeyPair(o.algorithm)
	if err != nil {
		return nil, err
	}
	tmpl, err := authorityTemplate(subject, RootMaxPathLen, o)
	if err != nil {
		return nil, opError(op, ErrSigning, err)
	}
	cert, err := createCertificate(tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, opError(op, ErrSigning, err)
	}
	return &Authority{Key: key, Certificate: cert}, nil
}

// CreateIntermediateAuthority generates a key pair and a certificate for it
// signed by parent, with BasicConstraints CA:TRUE, pathlen:0.
func CreateIntermediateAuthority(parent *Authority, opts ...Option) (*Authority, error) {
	const op = "create intermediate authority"
	if err := parent.check(); err != nil {
		return nil, opError(op, ErrSigning, err)
	}
	if limit, ok := pathLenLimit(parent.Certificate); ok && limit == 0 {
		return nil, opError(op, ErrSigning, errNoDelegation)
	}

	o := buildOptions(DefaultIntermediateValidityDays, opts)
	subject := IntermediateSubject()
	if o.subject != nil {
		subject = *o.subject
	}

	key, err := GenerateKeyPair(o.algorithm)
	if err != nil {
		return nil, err
	}
	tmpl, err := authorityTemplate(subject, IntermediateMaxPathLen, o)
	if err != nil {
		return nil, opError(op, ErrSigning, err)
	}
	cert, err := createCertificate(tmpl, parent.Certificate, key.Public(), parent.Key)
	if err != nil {
		return nil, opError(op, ErrSigning, err)
	}
	return &Authority{Key: key, Certificate: cert}, nil
}

func authorityTemplate(subject pkix.Name, maxPathLen int, o options) (*x509.Certificate, error) {
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	notBefore, notAfter := o.window()
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            maxPathLen,
		MaxPathLenZero:        maxPathLen == 0,
	}, nil
}

// createCertificate signs tmpl with signer and parses the result back, so
// callers always hold a certificate whose Raw fields are populated. The
// subject key identifier of CA certificates is filled in by crypto/x509 and
// copied into the authority key identifier of everything they sign.
func createCertificate(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer *KeyPair) (*x509.Certificate, error) {
	tmpl.SignatureAlgorithm = signer.signatureAlgorithm()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer.Signer())
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}
	return cert, nil
}
