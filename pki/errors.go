package pki

import (
	"errors"

	"github.com/jmcleod/minica/storage"
)

// Error kinds. Every error returned by the codec, builder, issuer, store and
// registry matches exactly one of these with errors.Is.
var (
	// ErrKeyGeneration is returned when a key pair cannot be generated.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrMalformedKey is returned when private key data cannot be decoded.
	ErrMalformedKey = errors.New("malformed key")

	// ErrMalformedCertificate is returned when certificate data cannot be
	// decoded or encoded.
	ErrMalformedCertificate = errors.New("malformed certificate")

	// ErrStorage is returned when an artifact cannot be written or read.
	ErrStorage = errors.New("storage failure")

	// ErrSigning is returned when a certificate cannot be signed, including
	// when an authority's key does not match its certificate.
	ErrSigning = errors.New("signing failed")

	// ErrRevocation is returned when a revocation cannot be recorded or a
	// revocation registry cannot be trusted.
	ErrRevocation = errors.New("revocation failed")

	// ErrNotFound is returned when a named artifact or registry is absent.
	ErrNotFound = errors.New("not found")
)

// Error describes a failed operation. It unwraps to both its Kind and its
// cause, so callers can test for either.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// storageError maps repository failures onto the error kinds.
func storageError(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return opError(op, ErrNotFound, err)
	}
	return opError(op, ErrStorage, err)
}
