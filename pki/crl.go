package pki

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"time"

	"github.com/jmcleod/minica/storage"
)

// DefaultCRLNextUpdate is the gap between ThisUpdate and NextUpdate.
const DefaultCRLNextUpdate = 7 * 24 * time.Hour

// CRLOption configures GenerateCRL.
type CRLOption func(*crlOptions)

type crlOptions struct {
	nextUpdate time.Duration
}

// WithNextUpdate sets how long the CRL is considered fresh.
func WithNextUpdate(d time.Duration) CRLOption {
	return func(o *crlOptions) {
		if d > 0 {
			o.nextUpdate = d
		}
	}
}

// GenerateCRL exports the revocations of authority as a PEM encoded X.509
// CRL signed by it. Each call bumps the CRL number kept in the registry. The
// CRL is also cached in the repository for LoadCRL.
func (r *Registry) GenerateCRL(ctx context.Context, authority *Authority, opts ...CRLOption) ([]byte, error) {
	const op = "generate CRL"
	if err := ctx.Err(); err != nil {
		return nil, opError(op, ErrRevocation, err)
	}
	if err := authority.check(); err != nil {
		return nil, opError(op, ErrSigning, err)
	}
	o := crlOptions{nextUpdate: DefaultCRLNextUpdate}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		crlPEM  []byte
		number  int64
		entries int
	)
	err := r.update(op, authority, func(doc *registryDocument) (bool, error) {
		revoked := make([]x509.RevocationListEntry, 0, len(doc.Entries))
		for _, e := range doc.Entries {
			serial, err := e.Serial()
			if err != nil {
				continue
			}
			revoked = append(revoked, x509.RevocationListEntry{
				SerialNumber:   serial,
				RevocationTime: e.RevokedAt,
				ReasonCode:     int(e.Reason),
			})
		}

		doc.CRLNumber++
		now := r.timestamp()
		template := &x509.RevocationList{
			Number:                    big.NewInt(doc.CRLNumber),
			ThisUpdate:                now,
			NextUpdate:                now.Add(o.nextUpdate),
			RevokedCertificateEntries: revoked,
		}
		der, err := x509.CreateRevocationList(rand.Reader, template, authority.Certificate, authority.Key.Signer())
		if err != nil {
			return false, opError(op, ErrSigning, err)
		}
		// The new CRL number is persisted with the registry before the CRL
		// is handed out.
		doc.UpdatedAt = now
		crlPEM = pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: der})
		number, entries = doc.CRLNumber, len(revoked)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// A concurrent generator may already have stored a newer CRL.
	err = r.repo.Update(storage.KindCRL, namespace(authority.Certificate.RawSubject), func(current []byte) ([]byte, error) {
		if crlNumber(current) > number {
			return nil, nil
		}
		return crlPEM, nil
	})
	if err != nil {
		return nil, storageError(op, err)
	}
	logger(r.logger).Info("generated CRL", "issuer", authority.Subject(), "number", number, "entries", entries)
	return crlPEM, nil
}

// crlNumber returns the CRL number of a stored PEM CRL, or 0.
func crlNumber(data []byte) int64 {
	block, _ := pem.Decode(data)
	if block == nil {
		return 0
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil || crl.Number == nil || !crl.Number.IsInt64() {
		return 0
	}
	return crl.Number.Int64()
}

// LoadCRL returns the most recently generated CRL of authority, or
// ErrNotFound when none has been generated.
func (r *Registry) LoadCRL(ctx context.Context, authority *x509.Certificate) ([]byte, error) {
	const op = "load CRL"
	if err := ctx.Err(); err != nil {
		return nil, opError(op, ErrRevocation, err)
	}
	if authority == nil {
		return nil, opError(op, ErrMalformedCertificate, errors.New("nil certificate"))
	}
	data, err := r.repo.Get(storage.KindCRL, namespace(authority.RawSubject))
	if err != nil {
		return nil, storageError(op, err)
	}
	return data, nil
}
