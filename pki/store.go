package pki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/minica/internal/util"
	"github.com/jmcleod/minica/storage"
)

// Names under which the two authorities are saved.
const (
	RootAuthorityName         = "root_ca"
	IntermediateAuthorityName = "intermediate"
)

// ArtifactName derives the storage name of a subject's key and certificate
// from its common name. "Mini Root CA" becomes "Mini_Root_CA".
func ArtifactName(commonName string) string {
	name := util.SafeName(commonName)
	if name == "" {
		return "entity"
	}
	if len(name) > storage.MaxNameLength {
		name = name[:storage.MaxNameLength]
	}
	return name
}

var errReservedName = errors.New("name is reserved for an authority")

// checkLeafName refuses to let an end-entity certificate saved under name
// replace an authority's artifacts. Authority names are compared without
// case since some file systems ignore it.
func (s *Store) checkLeafName(name string) error {
	const op = "save certificate"
	if strings.EqualFold(name, RootAuthorityName) || strings.EqualFold(name, IntermediateAuthorityName) {
		return opError(op, ErrStorage, fmt.Errorf("%q: %w", name, errReservedName))
	}
	existing, err := s.LoadCertificate(name)
	switch {
	case errors.Is(err, ErrStorage):
		return err
	case err == nil && existing.IsCA:
		return opError(op, ErrStorage, fmt.Errorf("%q holds a CA certificate", name))
	}
	return nil
}

// Store saves and loads PEM artifacts through a storage.Repository. Keys
// are encrypted when the store has a passphrase.
type Store struct {
	repo       storage.Repository
	passphrase *Passphrase
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKeyPassphrase encrypts saved keys and decrypts loaded ones.
func WithKeyPassphrase(p *Passphrase) StoreOption {
	return func(s *Store) {
		s.passphrase = p
	}
}

// NewStore returns a Store over repo.
func NewStore(repo storage.Repository, opts ...StoreOption) *Store {
	s := &Store{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository returns the underlying repository.
func (s *Store) Repository() storage.Repository {
	return s.repo
}

func (s *Store) SaveKeyPair(name string, kp *KeyPair) error {
	data, err := EncodeKey(kp, WithPassphrase(s.passphrase))
	if err != nil {
		return err
	}
	if err := s.repo.Put(storage.KindKey, name, data); err != nil {
		return storageError("save key", err)
	}
	return nil
}

func (s *Store) LoadKeyPair(name string) (*KeyPair, error) {
	data, err := s.repo.Get(storage.KindKey, name)
	if err != nil {
		return nil, storageError("load key", err)
	}
	return DecodeKey(data, WithPassphrase(s.passphrase))
}

func (s *Store) SaveCertificate(name string, cert *x509.Certificate) error {
	data, err := EncodeCertificate(cert)
	if err != nil {
		return err
	}
	if err := s.repo.Put(storage.KindCertificate, name, data); err != nil {
		return storageError("save certificate", err)
	}
	return nil
}

func (s *Store) LoadCertificate(name string) (*x509.Certificate, error) {
	data, err := s.repo.Get(storage.KindCertificate, name)
	if err != nil {
		return nil, storageError("load certificate", err)
	}
	return DecodeCertificate(data)
}

// Certificates lists the names of every saved certificate.
func (s *Store) Certificates() ([]string, error) {
	names, err := s.repo.List(storage.KindCertificate)
	if err != nil {
		return nil, storageError("list certificates", err)
	}
	return names, nil
}

// SaveAuthority saves both halves of an authority under name.
func (s *Store) SaveAuthority(name string, a *Authority) error {
	if err := s.SaveKeyPair(name, a.Key); err != nil {
		return err
	}
	return s.SaveCertificate(name, a.Certificate)
}

// LoadAuthority loads an authority and checks that its key and certificate
// belong together and that the certificate is a CA.
func (s *Store) LoadAuthority(name string) (*Authority, error) {
	cert, err := s.LoadCertificate(name)
	if err != nil {
		return nil, err
	}
	key, err := s.LoadKeyPair(name)
	if err != nil {
		return nil, err
	}
	a := &Authority{Key: key, Certificate: cert}
	if err := a.check(); err != nil {
		return nil, opError("load authority", ErrSigning, err)
	}
	return a, nil
}
