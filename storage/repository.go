// Package storage provides the storage abstraction layer for PKI artifacts:
// private keys, certificates, revocation registries and CRLs, each addressed
// by a kind and a stable logical name.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidName is returned for names that cannot be stored safely.
	ErrInvalidName = errors.New("invalid artifact name")
)

// Kind groups artifacts of the same type within a repository.
type Kind string

const (
	KindKey         Kind = "key"
	KindCertificate Kind = "cert"
	KindRevocations Kind = "revocations"
	KindCRL         Kind = "crl"
)

// MaxNameLength bounds artifact names so they fit in a single path element.
const MaxNameLength = 200

// UpdateFunc receives the current content of an artifact, nil when it does
// not exist, and returns the content to store. Returning nil data leaves the
// artifact as it is. An error aborts the update and is returned unchanged.
type UpdateFunc func(current []byte) ([]byte, error)

// Repository defines the interface for artifact storage. Implementations
// must make Put atomic per artifact: a concurrent or later Get observes
// either the previous content or the new content, never a partial write.
//
// Update is a read-modify-write of one artifact. Updates of the same
// artifact are serialised across every Repository value opened on the same
// storage area, including ones in other processes, so no update is lost.
// fn must not call back into the repository.
type Repository interface {
	Put(kind Kind, name string, data []byte) error
	Get(kind Kind, name string) ([]byte, error)
	List(kind Kind) ([]string, error)
	Delete(kind Kind, name string) error
	Update(kind Kind, name string, fn UpdateFunc) error
}

// ValidateName rejects names that are empty, too long, or that could escape
// a storage area when mapped onto a file name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds maximum length of %d", ErrInvalidName, MaxNameLength)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: name %q must not start with a dot", ErrInvalidName, name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == ':' || r < 0x20 {
			return fmt.Errorf("%w: name %q contains forbidden character %q", ErrInvalidName, name, r)
		}
	}
	return nil
}
