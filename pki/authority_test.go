package pki_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/minica/pki"
)

var fixedNow = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestCreateRootAuthority(t *testing.T) {
	root, err := pki.CreateRootAuthority(pki.WithClock(fixedClock))
	require.NoError(t, err)
	cert := root.Certificate

	assert.Equal(t, "Mini Root CA", cert.Subject.CommonName)
	assert.Equal(t, []string{"Mini Root CA"}, cert.Subject.Organization)
	assert.Equal(t, []string{"VN"}, cert.Subject.Country)
	assert.Equal(t, cert.RawSubject, cert.RawIssuer)
	require.NoError(t, cert.CheckSignatureFrom(cert))

	assert.True(t, cert.BasicConstraintsValid)
	assert.True(t, cert.IsCA)
	assert.Equal(t, 1, cert.MaxPathLen)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCRLSign)
	assert.NotEmpty(t, cert.SubjectKeyId)
	assert.Equal(t, x509.SHA256WithRSA, cert.SignatureAlgorithm)
	assert.Positive(t, cert.SerialNumber.Sign())

	assert.Equal(t, fixedNow.Add(-24*time.Hour), cert.NotBefore.UTC())
	assert.Equal(t, fixedNow.AddDate(0, 0, 3650), cert.NotAfter.UTC())
	assert.True(t, root.Key.Matches(cert.PublicKey))
	assert.Equal(t, "CN=Mini Root CA, O=Mini Root CA, C=VN", root.Subject())
}

func TestCreateIntermediateAuthority(t *testing.T) {
	h := newHierarchy(t, pki.WithClock(fixedClock))
	cert := h.inter.Certificate

	assert.Equal(t, "Mini Intermediate CA", cert.Subject.CommonName)
	assert.Equal(t, h.root.Certificate.RawSubject, cert.RawIssuer)
	require.NoError(t, cert.CheckSignatureFrom(h.root.Certificate))
	assert.Equal(t, h.root.Certificate.SubjectKeyId, cert.AuthorityKeyId)

	assert.True(t, cert.IsCA)
	assert.Equal(t, 0, cert.MaxPathLen)
	assert.True(t, cert.MaxPathLenZero)
	assert.Equal(t, fixedNow.AddDate(0, 0, 1825), cert.NotAfter.UTC())
	assert.NotEqual(t, h.root.Certificate.SerialNumber, cert.SerialNumber)
}

func TestCreateIntermediateAuthority_Options(t *testing.T) {
	subject := pkix.Name{CommonName: "Ops Issuing CA", Organization: []string{"Ops"}}
	root, err := pki.CreateRootAuthority(pki.WithKeyAlgorithm(pki.ECDSAP256))
	require.NoError(t, err)

	inter, err := pki.CreateIntermediateAuthority(root,
		pki.WithSubject(subject),
		pki.WithValidityDays(30),
		pki.WithBackdate(0),
		pki.WithClock(fixedClock),
		pki.WithKeyAlgorithm(pki.ECDSAP256),
	)
	require.NoError(t, err)
	assert.Equal(t, "Ops Issuing CA", inter.Certificate.Subject.CommonName)
	assert.Equal(t, x509.ECDSAWithSHA256, inter.Certificate.SignatureAlgorithm)
	assert.Equal(t, fixedNow, inter.Certificate.NotBefore.UTC())
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), inter.Certificate.NotAfter.UTC())
	assert.True(t, pki.VerifyChain(inter.Certificate, []*x509.Certificate{root.Certificate}))
}

func TestCreateIntermediateAuthority_BadParent(t *testing.T) {
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))

	_, err := pki.CreateIntermediateAuthority(nil)
	assert.ErrorIs(t, err, pki.ErrSigning)

	mismatched := &pki.Authority{Key: h.inter.Key, Certificate: h.root.Certificate}
	_, err = pki.CreateIntermediateAuthority(mismatched)
	assert.ErrorIs(t, err, pki.ErrSigning)

	// The intermediate has path length zero and cannot delegate.
	_, err = pki.CreateIntermediateAuthority(h.inter)
	assert.ErrorIs(t, err, pki.ErrSigning)
}
