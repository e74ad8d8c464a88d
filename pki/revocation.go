package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/minica/internal/util"
	"github.com/jmcleod/minica/internal/uuid"
	"github.com/jmcleod/minica/storage"
)

// ---------------------------------------------------------------------------
// Reasons and status
// ---------------------------------------------------------------------------

// Reason is an RFC 5280 CRLReason code.
type Reason int

const (
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonPrivilegeWithdrawn   Reason = 9
	ReasonAACompromise         Reason = 10
)

var reasonNames = map[Reason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "key_compromise",
	ReasonCACompromise:         "ca_compromise",
	ReasonAffiliationChanged:   "affiliation_changed",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessation_of_operation",
	ReasonCertificateHold:      "certificate_hold",
	ReasonPrivilegeWithdrawn:   "privilege_withdrawn",
	ReasonAACompromise:         "aa_compromise",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

// Valid reports whether r is a defined reason code.
func (r Reason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// ParseReason accepts "key_compromise", "keyCompromise", "key-compromise"
// and the numeric code "1" alike.
func ParseReason(s string) (Reason, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if r := Reason(n); r.Valid() {
			return r, nil
		}
		return 0, fmt.Errorf("unknown revocation reason %q", s)
	}
	want := foldReason(s)
	for r, name := range reasonNames {
		if foldReason(name) == want {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown revocation reason %q", s)
}

func foldReason(s string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
}

func (r Reason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown revocation reason %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RevocationEntry records the revocation of one certificate.
type RevocationEntry struct {
	ID           string    `json:"id"`
	SerialNumber string    `json:"serial_number"`
	RevokedAt    time.Time `json:"revoked_at"`
	Reason       Reason    `json:"reason"`
}

// Serial returns the entry's serial number.
func (e RevocationEntry) Serial() (*big.Int, error) {
	return ParseSerial(e.SerialNumber)
}

// State is the revocation state of a certificate.
type State int

const (
	StateValid State = iota
	StateRevoked
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateRevoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}

// RevocationStatus is the answer of CheckStatus. Reason and RevokedAt are
// only set for revoked certificates.
type RevocationStatus struct {
	State     State
	Reason    Reason
	RevokedAt time.Time
}

func (s RevocationStatus) String() string {
	if s.State != StateRevoked {
		return s.State.String()
	}
	return fmt.Sprintf("REVOKED (%s at %s)", s.Reason, s.RevokedAt.UTC().Format(time.RFC3339))
}

// ---------------------------------------------------------------------------
// Registry document
// ---------------------------------------------------------------------------

const registryVersion = 1

type registryDocument struct {
	Version              int               `json:"version"`
	Issuer               string            `json:"issuer"`
	IssuerKeyID          string            `json:"issuer_key_id,omitempty"`
	AuthorityCertificate string            `json:"authority_certificate"`
	CRLNumber            int64             `json:"crl_number"`
	Entries              []RevocationEntry `json:"entries"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// registryEnvelope is what is written to storage. Registry holds the
// exact bytes that were signed.
type registryEnvelope struct {
	Registry           json.RawMessage `json:"registry"`
	SignatureAlgorithm string          `json:"signature_algorithm"`
	Signature          []byte          `json:"signature"`
}

func newRegistryDocument(authority *x509.Certificate, now time.Time) (*registryDocument, error) {
	certPEM, err := EncodeCertificate(authority)
	if err != nil {
		return nil, err
	}
	return &registryDocument{
		Version:              registryVersion,
		Issuer:               subjectString(authority.Subject),
		IssuerKeyID:          util.HexEncode(authority.SubjectKeyId),
		AuthorityCertificate: string(certPEM),
		Entries:              []RevocationEntry{},
		UpdatedAt:            now,
	}, nil
}

func (d *registryDocument) find(serial string) (RevocationEntry, bool) {
	for _, e := range d.Entries {
		if e.SerialNumber == serial {
			return e, true
		}
	}
	return RevocationEntry{}, false
}

// namespace is the storage name of the registry of the authority whose
// raw subject is given.
func namespace(rawSubject []byte) string {
	sum := sha256.Sum256(rawSubject)
	return util.HexEncode(sum[:])
}

// seal signs doc with the authority's key.
func seal(doc *registryDocument, authority *Authority) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding registry: %w", err)
	}
	digest := sha256.Sum256(payload)
	sig, err := authority.Key.Signer().Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing registry: %w", err)
	}
	return json.MarshalIndent(registryEnvelope{
		Registry:           payload,
		SignatureAlgorithm: authority.Key.signatureAlgorithm().String(),
		Signature:          sig,
	}, "", "  ")
}

// unseal parses a stored registry and checks its signature against the
// authority certificate embedded in it.
func unseal(data []byte, ns string) (*registryDocument, *x509.Certificate, error) {
	var env registryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding registry envelope: %w", err)
	}
	// The stored envelope is indented; the signature covers the compact form.
	var payload bytes.Buffer
	if err := json.Compact(&payload, env.Registry); err != nil {
		return nil, nil, fmt.Errorf("decoding registry: %w", err)
	}
	var doc registryDocument
	if err := json.Unmarshal(payload.Bytes(), &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding registry: %w", err)
	}
	if doc.Version != registryVersion {
		return nil, nil, fmt.Errorf("unsupported registry version %d", doc.Version)
	}
	authority, err := DecodeCertificate([]byte(doc.AuthorityCertificate))
	if err != nil {
		return nil, nil, fmt.Errorf("registry authority certificate: %w", err)
	}
	if namespace(authority.RawSubject) != ns {
		return nil, nil, errors.New("registry authority does not match its namespace")
	}
	alg := x509.SHA256WithRSA
	if _, ok := authority.PublicKey.(*ecdsa.PublicKey); ok {
		alg = x509.ECDSAWithSHA256
	}
	if err := authority.CheckSignature(alg, payload.Bytes(), env.Signature); err != nil {
		return nil, nil, fmt.Errorf("registry signature: %w", err)
	}
	return &doc, authority, nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

var errForeignRegistry = errors.New("registry belongs to a different authority key")

// Registry records revoked certificates per issuing authority. Each
// authority's registry is a signed document in the repository, so it can
// be read by any process and survives restarts. Writers to the same
// authority are serialised through the repository, also between Registry
// values and processes sharing it; readers take no lock and see either the
// previous or the new document.
type Registry struct {
	repo   storage.Repository
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns a Registry persisting into repo.
func NewRegistry(repo storage.Repository, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:  repo,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lock(ns string) func() {
	r.mu.Lock()
	l, ok := r.locks[ns]
	if !ok {
		l = &sync.Mutex{}
		r.locks[ns] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Registry) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Second)
}

// load reads and verifies the registry stored under ns. A missing registry
// is reported with storage.ErrNotFound.
func (r *Registry) load(ns string) (*registryDocument, *x509.Certificate, error) {
	data, err := r.repo.Get(storage.KindRevocations, ns)
	if err != nil {
		return nil, nil, err
	}
	return r.verify(ns, data)
}

func (r *Registry) verify(ns string, data []byte) (*registryDocument, *x509.Certificate, error) {
	doc, authority, err := unseal(data, ns)
	if err != nil {
		logger(r.logger).Warn("revocation registry failed verification", "namespace", ns, "error", err)
		return nil, nil, opError("load registry", ErrRevocation, err)
	}
	return doc, authority, nil
}

// update applies fn to the registry of authority and stores the re-signed
// result. fn reports whether it changed the document. The read, fn and the
// write run inside one repository update, so writers in other processes
// cannot interleave; the mutex only keeps writers in this process queued.
func (r *Registry) update(op string, authority *Authority, fn func(doc *registryDocument) (bool, error)) error {
	ns := namespace(authority.Certificate.RawSubject)
	unlock := r.lock(ns)
	defer unlock()

	var applyErr error
	err := r.repo.Update(storage.KindRevocations, ns, func(current []byte) ([]byte, error) {
		data, err := r.apply(op, ns, current, authority, fn)
		applyErr = err
		return data, err
	})
	if applyErr != nil {
		return applyErr
	}
	if err != nil {
		return storageError(op, err)
	}
	return nil
}

func (r *Registry) apply(op, ns string, current []byte, authority *Authority, fn func(doc *registryDocument) (bool, error)) ([]byte, error) {
	var doc *registryDocument
	if current == nil {
		fresh, err := newRegistryDocument(authority.Certificate, r.timestamp())
		if err != nil {
			return nil, opError(op, ErrRevocation, err)
		}
		doc = fresh
	} else {
		stored, storedAuthority, err := r.verify(ns, current)
		if err != nil {
			return nil, err
		}
		if !authority.Key.Matches(storedAuthority.PublicKey) {
			return nil, opError(op, ErrRevocation, errForeignRegistry)
		}
		doc = stored
	}

	changed, err := fn(doc)
	if err != nil || !changed {
		return nil, err
	}
	data, err := seal(doc, authority)
	if err != nil {
		return nil, opError(op, ErrRevocation, err)
	}
	return data, nil
}

// Revoke records serial as revoked by authority. Revoking a serial that is
// already listed changes nothing and returns the original entry.
func (r *Registry) Revoke(ctx context.Context, serial *big.Int, authority *Authority, reason Reason) (RevocationEntry, error) {
	const op = "revoke"
	if err := ctx.Err(); err != nil {
		return RevocationEntry{}, opError(op, ErrRevocation, err)
	}
	if serial == nil || serial.Sign() <= 0 {
		return RevocationEntry{}, opError(op, ErrRevocation, errors.New("serial number must be positive"))
	}
	if !reason.Valid() {
		return RevocationEntry{}, opError(op, ErrRevocation, fmt.Errorf("unknown revocation reason %d", int(reason)))
	}
	if err := authority.check(); err != nil {
		return RevocationEntry{}, opError(op, ErrRevocation, err)
	}

	serialNumber := serialHex(serial)
	var (
		entry   RevocationEntry
		already bool
	)
	err := r.update(op, authority, func(doc *registryDocument) (bool, error) {
		if existing, ok := doc.find(serialNumber); ok {
			entry, already = existing, true
			return false, nil
		}
		entry = RevocationEntry{
			ID:           uuid.New(),
			SerialNumber: serialNumber,
			RevokedAt:    r.timestamp(),
			Reason:       reason,
		}
		doc.Entries = append(doc.Entries, entry)
		doc.UpdatedAt = entry.RevokedAt
		return true, nil
	})
	if err != nil {
		return RevocationEntry{}, err
	}
	if already {
		logger(r.logger).Debug("certificate already revoked", "serial", serialNumber, "reason", entry.Reason)
		return entry, nil
	}

	logger(r.logger).Info("revoked certificate",
		"serial", serialNumber,
		"reason", reason,
		"issuer", authority.Subject(),
	)
	return entry, nil
}

// Reset hands the registry kept under authority's subject over to
// authority. It is meant for an authority re-created with the subject of an
// earlier one: the earlier registry is archived under the returned name, its
// CRL is removed, and authority starts with an empty registry. Reset does
// nothing and returns "" when the subject has no registry or the registry
// already belongs to authority's key.
func (r *Registry) Reset(ctx context.Context, authority *Authority) (string, error) {
	const op = "reset registry"
	if err := ctx.Err(); err != nil {
		return "", opError(op, ErrRevocation, err)
	}
	if err := authority.check(); err != nil {
		return "", opError(op, ErrRevocation, err)
	}
	ns := namespace(authority.Certificate.RawSubject)
	unlock := r.lock(ns)
	defer unlock()

	// A registry that fails verification is archived too.
	owned := func(data []byte) bool {
		_, stored, err := unseal(data, ns)
		return err == nil && authority.Key.Matches(stored.PublicKey)
	}

	previous, err := r.repo.Get(storage.KindRevocations, ns)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "", nil
	case err != nil:
		return "", storageError(op, err)
	case owned(previous):
		return "", nil
	}

	archive := fmt.Sprintf("%s.retired-%s-%s", ns, r.timestamp().Format("20060102T150405Z"), uuid.New()[:8])
	if err := r.repo.Put(storage.KindRevocations, archive, previous); err != nil {
		return "", storageError(op, err)
	}

	var applyErr error
	err = r.repo.Update(storage.KindRevocations, ns, func(current []byte) ([]byte, error) {
		if current == nil || owned(current) {
			return nil, nil
		}
		doc, err := newRegistryDocument(authority.Certificate, r.timestamp())
		if err == nil {
			var data []byte
			if data, err = seal(doc, authority); err == nil {
				return data, nil
			}
		}
		applyErr = opError(op, ErrRevocation, err)
		return nil, applyErr
	})
	if applyErr != nil {
		return "", applyErr
	}
	if err != nil {
		return "", storageError(op, err)
	}
	if err := r.repo.Delete(storage.KindCRL, ns); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", storageError(op, err)
	}

	logger(r.logger).Info("archived revocation registry of a replaced authority",
		"issuer", authority.Subject(),
		"archive", archive,
	)
	return archive, nil
}

// CheckStatus reports whether cert has been revoked by its issuer. It
// returns StateUnknown when the issuer keeps no registry, or when the
// registry's authority did not sign cert.
func (r *Registry) CheckStatus(ctx context.Context, cert *x509.Certificate) (RevocationStatus, error) {
	const op = "check status"
	unknown := RevocationStatus{State: StateUnknown}
	if err := ctx.Err(); err != nil {
		return unknown, opError(op, ErrRevocation, err)
	}
	if cert == nil {
		return unknown, opError(op, ErrMalformedCertificate, errors.New("nil certificate"))
	}

	doc, authority, err := r.load(namespace(cert.RawIssuer))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return unknown, nil
	case errors.Is(err, ErrRevocation):
		return unknown, err
	case err != nil:
		return unknown, storageError(op, err)
	}

	if err := cert.CheckSignatureFrom(authority); err != nil {
		logger(r.logger).Warn("certificate was not signed by the registry authority",
			"subject", subjectString(cert.Subject),
			"issuer", doc.Issuer,
			"error", err,
		)
		return unknown, nil
	}

	if entry, ok := doc.find(serialHex(cert.SerialNumber)); ok {
		return RevocationStatus{State: StateRevoked, Reason: entry.Reason, RevokedAt: entry.RevokedAt}, nil
	}
	return RevocationStatus{State: StateValid}, nil
}

// CheckStatusFile is CheckStatus for a certificate file.
func (r *Registry) CheckStatusFile(ctx context.Context, path string) (RevocationStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		kind := ErrStorage
		if errors.Is(err, fs.ErrNotExist) {
			kind = ErrNotFound
		}
		return RevocationStatus{State: StateUnknown}, opError("check status", kind, err)
	}
	cert, err := DecodeCertificate(data)
	if err != nil {
		return RevocationStatus{State: StateUnknown}, err
	}
	return r.CheckStatus(ctx, cert)
}

// Entries lists the revocations recorded by authority, oldest first.
func (r *Registry) Entries(ctx context.Context, authority *x509.Certificate) ([]RevocationEntry, error) {
	const op = "list revocations"
	if err := ctx.Err(); err != nil {
		return nil, opError(op, ErrRevocation, err)
	}
	if authority == nil {
		return nil, opError(op, ErrMalformedCertificate, errors.New("nil certificate"))
	}
	doc, _, err := r.load(namespace(authority.RawSubject))
	switch {
	case errors.Is(err, ErrRevocation):
		return nil, err
	case err != nil:
		return nil, storageError(op, err)
	}
	return doc.Entries, nil
}
