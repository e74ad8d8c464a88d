package pki

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
)

// VerifyResult is the outcome of a chain verification. Chain holds the
// certificates in the order they were checked, leaf first, whenever the
// presented certificates could be ordered.
type VerifyResult struct {
	Valid  bool
	Chain  []*x509.Certificate
	Reason error
}

// Verifier checks certificate chains. It never returns an error: every
// failure, including malformed input, yields an invalid result and is
// logged at warn level.
type Verifier struct {
	Logger *slog.Logger
}

// DefaultVerifier logs through slog.Default.
var DefaultVerifier = &Verifier{}

// VerifyChain reports whether leaf chains, through the certificates in
// chain, to a self-signed trust anchor.
func VerifyChain(leaf *x509.Certificate, chain []*x509.Certificate) bool {
	return DefaultVerifier.Verify(leaf, chain).Valid
}

var (
	errNoLeaf        = errors.New("no leaf certificate")
	errEmptyChain    = errors.New("chain is empty")
	errNilInChain    = errors.New("chain contains a nil certificate")
	errUnusedInChain = errors.New("chain contains certificates that are not part of the path")
	errNotSelfIssued = errors.New("last certificate in the chain is not self-issued")
)

// Verify checks that, walking from leaf through chain:
//   - each certificate names the next as its issuer and carries a valid
//     signature from the next certificate's key,
//   - every issuer is a CA whose path length constraint is respected,
//   - the final certificate is self-issued and its self-signature verifies.
//
// chain may be presented in any order; it is sorted by issuer links first.
// Validity periods are not checked.
func (v *Verifier) Verify(leaf *x509.Certificate, chain []*x509.Certificate) VerifyResult {
	res := v.verify(leaf, chain)
	log := logger(v.Logger)
	if !res.Valid {
		log.Warn("certificate chain rejected", "leaf", describeLeaf(leaf), "error", res.Reason)
	} else {
		log.Debug("certificate chain verified", "leaf", describeLeaf(leaf), "depth", len(res.Chain)-1)
	}
	return res
}

func (v *Verifier) verify(leaf *x509.Certificate, chain []*x509.Certificate) VerifyResult {
	if leaf == nil {
		return VerifyResult{Reason: errNoLeaf}
	}
	ordered, err := OrderChain(leaf, chain)
	if err != nil {
		return VerifyResult{Reason: err}
	}
	res := VerifyResult{Chain: ordered}

	for i := 1; i < len(ordered); i++ {
		child, issuer := ordered[i-1], ordered[i]
		if err := checkIssued(child, issuer, i-1); err != nil {
			res.Reason = fmt.Errorf("%s: %w", describeLeaf(child), err)
			return res
		}
	}

	anchor := ordered[len(ordered)-1]
	if !bytes.Equal(anchor.RawSubject, anchor.RawIssuer) {
		res.Reason = errNotSelfIssued
		return res
	}
	if err := anchor.CheckSignature(anchor.SignatureAlgorithm, anchor.RawTBSCertificate, anchor.Signature); err != nil {
		res.Reason = fmt.Errorf("trust anchor self-signature: %w", err)
		return res
	}
	res.Valid = true
	return res
}

// checkIssued verifies one link. intermediates is the number of CA
// certificates between the leaf and issuer.
func checkIssued(child, issuer *x509.Certificate, intermediates int) error {
	if !bytes.Equal(child.RawIssuer, issuer.RawSubject) {
		return errors.New("issuer name does not match")
	}
	if err := issuer.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if !issuer.BasicConstraintsValid || !issuer.IsCA {
		return fmt.Errorf("issuer %s: %w", describeLeaf(issuer), errNotCA)
	}
	if limit, ok := pathLenLimit(issuer); ok && intermediates > limit {
		return fmt.Errorf("issuer %s allows %d intermediate CAs below it, found %d", describeLeaf(issuer), limit, intermediates)
	}
	return nil
}

// OrderChain returns leaf followed by the certificates of chain ordered so
// that each one issued the one before it. A chain that is already in order
// is returned as is. Certificates that do not fit the path are an error.
func OrderChain(leaf *x509.Certificate, chain []*x509.Certificate) ([]*x509.Certificate, error) {
	if leaf == nil {
		return nil, errNoLeaf
	}
	if len(chain) == 0 {
		return nil, errEmptyChain
	}
	for _, c := range chain {
		if c == nil {
			return nil, errNilInChain
		}
	}

	ordered := make([]*x509.Certificate, 0, len(chain)+1)
	ordered = append(ordered, leaf)
	if inOrder(leaf, chain) {
		return append(ordered, chain...), nil
	}

	remaining := append([]*x509.Certificate(nil), chain...)
	cur := leaf
	for len(remaining) > 0 {
		idx := -1
		for i, c := range remaining {
			if bytes.Equal(c.RawSubject, cur.RawIssuer) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("no issuer for %s in the chain", describeLeaf(cur))
		}
		cur = remaining[idx]
		ordered = append(ordered, cur)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if bytes.Equal(cur.RawSubject, cur.RawIssuer) {
			break
		}
	}
	if len(remaining) > 0 {
		return nil, errUnusedInChain
	}
	return ordered, nil
}

func inOrder(leaf *x509.Certificate, chain []*x509.Certificate) bool {
	prev := leaf
	for _, c := range chain {
		if !bytes.Equal(prev.RawIssuer, c.RawSubject) {
			return false
		}
		prev = c
	}
	return true
}

// ChainRoles labels an ordered chain: the first certificate is the leaf,
// the last is the root and everything between is an intermediate.
func ChainRoles(ordered []*x509.Certificate) []string {
	roles := make([]string, len(ordered))
	for i := range ordered {
		switch {
		case i == 0:
			roles[i] = "leaf"
		case i == len(ordered)-1:
			roles[i] = "root"
		default:
			roles[i] = "intermediate"
		}
	}
	return roles
}

func describeLeaf(cert *x509.Certificate) string {
	if cert == nil {
		return "<nil>"
	}
	if s := subjectString(cert.Subject); s != "" {
		return s
	}
	return "serial " + serialHex(cert.SerialNumber)
}
