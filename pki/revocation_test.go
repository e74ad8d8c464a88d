package pki_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/minica/pki"
	"github.com/jmcleod/minica/storage"
	"github.com/jmcleod/minica/storage/file"
	"github.com/jmcleod/minica/storage/memory"
)

func TestParseReason(t *testing.T) {
	for in, want := range map[string]pki.Reason{
		"key_compromise":   pki.ReasonKeyCompromise,
		"keyCompromise":    pki.ReasonKeyCompromise,
		"KEY-COMPROMISE":   pki.ReasonKeyCompromise,
		"1":                pki.ReasonKeyCompromise,
		"unspecified":      pki.ReasonUnspecified,
		"superseded":       pki.ReasonSuperseded,
		"aa_compromise":    pki.ReasonAACompromise,
		"certificate_hold": pki.ReasonCertificateHold,
	} {
		got, err := pki.ParseReason(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "7", "stolen", "-1"} {
		_, err := pki.ParseReason(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, "key_compromise", pki.ReasonKeyCompromise.String())
	assert.Equal(t, "reason(7)", pki.Reason(7).String())
}

func TestRevocationStatusString(t *testing.T) {
	assert.Equal(t, "VALID", pki.RevocationStatus{State: pki.StateValid}.String())
	assert.Equal(t, "UNKNOWN", pki.RevocationStatus{State: pki.StateUnknown}.String())
	revoked := pki.RevocationStatus{State: pki.StateRevoked, Reason: pki.ReasonSuperseded, RevokedAt: fixedNow}
	assert.Equal(t, "REVOKED (superseded at 2026-03-14T09:30:00Z)", revoked.String())
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	_, leaf, err := pki.IssueCertificate(h.inter, pki.SubjectInfo{}, pki.WithKeyAlgorithm(pki.ECDSAP256))
	require.NoError(t, err)
	registry := pki.NewRegistry(memory.NewRepository(), pki.WithRegistryClock(fixedClock))

	status, err := registry.CheckStatus(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, pki.StateUnknown, status.State)

	_, err = registry.Revoke(ctx, big.NewInt(12345), h.inter, pki.ReasonSuperseded)
	require.NoError(t, err)
	status, err = registry.CheckStatus(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, pki.StateValid, status.State)
	assert.Equal(t, "VALID", status.String())

	entry, err := registry.Revoke(ctx, leaf.SerialNumber, h.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, fixedNow, entry.RevokedAt)
	serial, err := entry.Serial()
	require.NoError(t, err)
	assert.Zero(t, serial.Cmp(leaf.SerialNumber))

	status, err = registry.CheckStatus(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, pki.StateRevoked, status.State)
	assert.Equal(t, pki.ReasonKeyCompromise, status.Reason)
	assert.Equal(t, fixedNow, status.RevokedAt)

	entries, err := registry.Entries(ctx, h.inter.Certificate)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, pki.ReasonSuperseded, entries[0].Reason)
	assert.Equal(t, pki.ReasonKeyCompromise, entries[1].Reason)

	// The root keeps no registry of its own.
	status, err = registry.CheckStatus(ctx, h.inter.Certificate)
	require.NoError(t, err)
	assert.Equal(t, pki.StateUnknown, status.State)
}

func TestRegistry_RevokeIsIdempotent(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	now := fixedNow
	registry := pki.NewRegistry(memory.NewRepository(), pki.WithRegistryClock(func() time.Time { return now }))
	serial := big.NewInt(99)

	first, err := registry.Revoke(ctx, serial, h.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	second, err := registry.Revoke(ctx, serial, h.inter, pki.ReasonSuperseded)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := registry.Entries(ctx, h.inter.Certificate)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pki.ReasonKeyCompromise, entries[0].Reason)
	assert.Equal(t, fixedNow, entries[0].RevokedAt)
}

func TestRegistry_ConcurrentRevocations(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	repo, err := file.NewRepository(t.TempDir())
	require.NoError(t, err)
	registry := pki.NewRegistry(repo)

	const n = 24
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, errs[i] = registry.Revoke(ctx, big.NewInt(int64(1000+i)), h.inter, pki.ReasonCessationOfOperation)
		})
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	entries, err := registry.Entries(ctx, h.inter.Certificate)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

// Separate registries over one directory behave like separate processes:
// none of them may lose another's revocation.
func TestRegistry_RevocationsAcrossRegistries(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))

	const n = 24
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			repo, err := file.NewRepository(dir)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = pki.NewRegistry(repo).Revoke(ctx, big.NewInt(int64(5000+i)), h.inter, pki.ReasonSuperseded)
		})
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	repo, err := file.NewRepository(dir)
	require.NoError(t, err)
	entries, err := pki.NewRegistry(repo).Entries(ctx, h.inter.Certificate)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	_, leaf, err := pki.IssueCertificate(h.inter, pki.SubjectInfo{}, pki.WithKeyAlgorithm(pki.ECDSAP256))
	require.NoError(t, err)

	repo, err := file.NewRepository(dir)
	require.NoError(t, err)
	_, err = pki.NewRegistry(repo).Revoke(ctx, leaf.SerialNumber, h.inter, pki.ReasonAffiliationChanged)
	require.NoError(t, err)

	reopened, err := file.NewRepository(dir)
	require.NoError(t, err)
	status, err := pki.NewRegistry(reopened).CheckStatus(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, pki.StateRevoked, status.State)
	assert.Equal(t, pki.ReasonAffiliationChanged, status.Reason)
}

func TestRegistry_DocumentFormat(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	repo := memory.NewRepository()
	_, err := pki.NewRegistry(repo).Revoke(ctx, big.NewInt(0xabcdef), h.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)

	names, err := repo.List(storage.KindRevocations)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Len(t, names[0], 64)

	raw, err := repo.Get(storage.KindRevocations, names[0])
	require.NoError(t, err)
	var doc struct {
		Registry struct {
			Version int    `json:"version"`
			Issuer  string `json:"issuer"`
			Entries []struct {
				SerialNumber string `json:"serial_number"`
				Reason       string `json:"reason"`
			} `json:"entries"`
		} `json:"registry"`
		SignatureAlgorithm string `json:"signature_algorithm"`
		Signature          []byte `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 1, doc.Registry.Version)
	assert.Equal(t, "CN=Mini Intermediate CA, O=Mini Intermediate CA, C=VN", doc.Registry.Issuer)
	require.Len(t, doc.Registry.Entries, 1)
	assert.Equal(t, "abcdef", doc.Registry.Entries[0].SerialNumber)
	assert.Equal(t, "key_compromise", doc.Registry.Entries[0].Reason)
	assert.Equal(t, "ECDSA-SHA256", doc.SignatureAlgorithm)
	assert.NotEmpty(t, doc.Signature)
}

func TestRegistry_TamperedDocument(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	_, leaf, err := pki.IssueCertificate(h.inter, pki.SubjectInfo{}, pki.WithKeyAlgorithm(pki.ECDSAP256))
	require.NoError(t, err)
	repo := memory.NewRepository()
	registry := pki.NewRegistry(repo)
	_, err = registry.Revoke(ctx, leaf.SerialNumber, h.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)

	names, err := repo.List(storage.KindRevocations)
	require.NoError(t, err)
	raw, err := repo.Get(storage.KindRevocations, names[0])
	require.NoError(t, err)
	forged := bytes.Replace(raw, []byte(`"key_compromise"`), []byte(`"superseded"`), 1)
	require.NotEqual(t, raw, forged)
	require.NoError(t, repo.Put(storage.KindRevocations, names[0], forged))

	_, err = registry.CheckStatus(ctx, leaf)
	assert.ErrorIs(t, err, pki.ErrRevocation)
	_, err = registry.Revoke(ctx, big.NewInt(5), h.inter, pki.ReasonUnspecified)
	assert.ErrorIs(t, err, pki.ErrRevocation)
}

func TestRegistry_RevokeRejects(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	registry := pki.NewRegistry(memory.NewRepository())

	_, err := registry.Revoke(ctx, big.NewInt(1), &pki.Authority{Key: h.root.Key, Certificate: h.inter.Certificate}, pki.ReasonKeyCompromise)
	assert.ErrorIs(t, err, pki.ErrRevocation)

	_, err = registry.Revoke(ctx, big.NewInt(1), h.inter, pki.Reason(8))
	assert.ErrorIs(t, err, pki.ErrRevocation)

	_, err = registry.Revoke(ctx, big.NewInt(0), h.inter, pki.ReasonKeyCompromise)
	assert.ErrorIs(t, err, pki.ErrRevocation)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = registry.Revoke(cancelled, big.NewInt(1), h.inter, pki.ReasonKeyCompromise)
	assert.ErrorIs(t, err, pki.ErrRevocation)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = registry.Entries(ctx, h.inter.Certificate)
	assert.ErrorIs(t, err, pki.ErrNotFound)
}

func TestRegistry_ForeignAuthority(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	impostor := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	_, foreignLeaf, err := pki.IssueCertificate(impostor.inter, pki.SubjectInfo{}, pki.WithKeyAlgorithm(pki.ECDSAP256))
	require.NoError(t, err)

	registry := pki.NewRegistry(memory.NewRepository())
	_, err = registry.Revoke(ctx, foreignLeaf.SerialNumber, h.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)

	// Same issuer name, different key: the registry does not speak for it.
	status, err := registry.CheckStatus(ctx, foreignLeaf)
	require.NoError(t, err)
	assert.Equal(t, pki.StateUnknown, status.State)

	_, err = registry.Revoke(ctx, foreignLeaf.SerialNumber, impostor.inter, pki.ReasonKeyCompromise)
	assert.ErrorIs(t, err, pki.ErrRevocation)
}

func TestRegistry_GenerateCRL(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	registry := pki.NewRegistry(memory.NewRepository(), pki.WithRegistryClock(fixedClock))

	_, err := registry.LoadCRL(ctx, h.inter.Certificate)
	assert.ErrorIs(t, err, pki.ErrNotFound)

	_, err = registry.Revoke(ctx, big.NewInt(4242), h.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)

	crlPEM, err := registry.GenerateCRL(ctx, h.inter)
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(h.inter.Certificate))
	assert.Equal(t, int64(1), crl.Number.Int64())
	assert.Equal(t, fixedNow.Add(pki.DefaultCRLNextUpdate), crl.NextUpdate.UTC())
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, int64(4242), crl.RevokedCertificateEntries[0].SerialNumber.Int64())
	assert.Equal(t, int(pki.ReasonKeyCompromise), crl.RevokedCertificateEntries[0].ReasonCode)

	again, err := registry.GenerateCRL(ctx, h.inter, pki.WithNextUpdate(time.Hour))
	require.NoError(t, err)
	block, _ = pem.Decode(again)
	require.NotNil(t, block)
	crl, err = x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), crl.Number.Int64())

	cached, err := registry.LoadCRL(ctx, h.inter.Certificate)
	require.NoError(t, err)
	assert.Equal(t, again, cached)

	// Bumping the CRL number keeps the registry verifiable.
	entries, err := registry.Entries(ctx, h.inter.Certificate)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegistry_Reset(t *testing.T) {
	ctx := t.Context()
	old := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	replacement := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	repo := memory.NewRepository()
	registry := pki.NewRegistry(repo, pki.WithRegistryClock(fixedClock))

	archive, err := registry.Reset(ctx, replacement.inter)
	require.NoError(t, err)
	assert.Empty(t, archive, "nothing to archive")

	_, err = registry.Revoke(ctx, big.NewInt(7), old.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)
	_, err = registry.GenerateCRL(ctx, old.inter)
	require.NoError(t, err)

	// Same subject, new key.
	_, err = registry.Revoke(ctx, big.NewInt(8), replacement.inter, pki.ReasonKeyCompromise)
	require.ErrorIs(t, err, pki.ErrRevocation)

	archive, err = registry.Reset(ctx, replacement.inter)
	require.NoError(t, err)
	assert.Contains(t, archive, ".retired-20260314T093000Z-")
	_, err = repo.Get(storage.KindRevocations, archive)
	require.NoError(t, err)
	_, err = registry.LoadCRL(ctx, replacement.inter.Certificate)
	assert.ErrorIs(t, err, pki.ErrNotFound)

	entries, err := registry.Entries(ctx, replacement.inter.Certificate)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = registry.Revoke(ctx, big.NewInt(8), replacement.inter, pki.ReasonKeyCompromise)
	require.NoError(t, err)

	again, err := registry.Reset(ctx, replacement.inter)
	require.NoError(t, err)
	assert.Empty(t, again, "registry already belongs to the key")
	entries, err = registry.Entries(ctx, replacement.inter.Certificate)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "08", entries[0].SerialNumber)

	_, err = registry.Revoke(ctx, big.NewInt(9), old.inter, pki.ReasonKeyCompromise)
	assert.ErrorIs(t, err, pki.ErrRevocation)
}

func TestRegistry_UnencodableAuthority(t *testing.T) {
	ctx := t.Context()
	h := newHierarchy(t, pki.WithKeyAlgorithm(pki.ECDSAP256))
	cert := *h.inter.Certificate
	cert.Raw = nil
	registry := pki.NewRegistry(memory.NewRepository())

	_, err := registry.Revoke(ctx, big.NewInt(1), &pki.Authority{Key: h.inter.Key, Certificate: &cert}, pki.ReasonKeyCompromise)
	assert.ErrorIs(t, err, pki.ErrRevocation)

	_, err = registry.Entries(ctx, h.inter.Certificate)
	assert.ErrorIs(t, err, pki.ErrNotFound)
}

func TestRegistry_CheckStatusFileMissing(t *testing.T) {
	registry := pki.NewRegistry(memory.NewRepository())
	status, err := registry.CheckStatusFile(t.Context(), filepath.Join(t.TempDir(), "absent_cert.pem"))
	assert.ErrorIs(t, err, pki.ErrNotFound)
	assert.NotErrorIs(t, err, pki.ErrStorage)
	assert.Equal(t, pki.StateUnknown, status.State)
}
